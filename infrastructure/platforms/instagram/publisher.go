package instagram

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/AzielCF/az-publish/infrastructure/platforms/graph"
	"github.com/AzielCF/az-publish/publishing/domain/publisher"
	"github.com/AzielCF/az-publish/validations"
	"github.com/sirupsen/logrus"
)

const Platform = "instagram"

// Container status codes reported by the Graph API.
const (
	statusFinished   = "FINISHED"
	statusInProgress = "IN_PROGRESS"
	statusError      = "ERROR"
	statusExpired    = "EXPIRED"
	statusPublished  = "PUBLISHED"
)

type Config struct {
	PollEvery time.Duration
	PollMax   int
}

// Publisher posts to an Instagram professional account in two steps: a media
// container is created, polled until processed, then published.
type Publisher struct {
	graph     *graph.Client
	pollEvery time.Duration
	pollMax   int
}

func New(client *graph.Client, cfg Config) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 3 * time.Second
	}
	if cfg.PollMax <= 0 {
		cfg.PollMax = 10
	}
	return &Publisher{graph: client, pollEvery: cfg.PollEvery, pollMax: cfg.PollMax}
}

var (
	_ publisher.Publisher       = (*Publisher)(nil)
	_ publisher.TimeoutProvider = (*Publisher)(nil)
)

func (p *Publisher) Platform() string { return Platform }

// PublishTimeout leaves room for container processing on top of the API calls.
func (p *Publisher) PublishTimeout() time.Duration {
	return time.Duration(p.pollMax)*p.pollEvery + 45*time.Second
}

type idResponse struct {
	ID string `json:"id"`
}

type containerStatus struct {
	StatusCode string `json:"status_code"`
	Status     string `json:"status"`
}

type mediaInfo struct {
	Permalink string `json:"permalink"`
}

func (p *Publisher) Publish(ctx context.Context, in publisher.Input) (publisher.Result, error) {
	if err := validations.ValidateInstagramPost(ctx, in); err != nil {
		return publisher.Result{}, publisher.Validation("invalid_post", err.Error()).Wrap(err)
	}

	account := in.Credential.AccountID
	token := in.Credential.AccessToken

	form := url.Values{}
	form.Set("caption", publisher.ComposeCaption(in.Caption, in.Hashtags))
	if isVideo(in.MediaURL) {
		form.Set("media_type", "REELS")
		form.Set("video_url", in.MediaURL)
	} else {
		form.Set("image_url", in.MediaURL)
	}

	var container idResponse
	if err := p.graph.Post(ctx, account+"/media", form, token, &container); err != nil {
		return publisher.Result{}, err
	}
	if container.ID == "" {
		return publisher.Result{}, publisher.Transient("no_container", "graph api returned no container id")
	}

	if err := p.waitForContainer(ctx, container.ID, token); err != nil {
		return publisher.Result{}, err
	}

	var published idResponse
	err := p.graph.Post(ctx, account+"/media_publish", url.Values{"creation_id": {container.ID}}, token, &published)
	if err != nil {
		return publisher.Result{}, err
	}
	if published.ID == "" {
		return publisher.Result{}, publisher.Transient("no_media", "graph api returned no media id")
	}

	result := publisher.Result{PostID: published.ID}

	var info mediaInfo
	if err := p.graph.Get(ctx, published.ID, url.Values{"fields": {"permalink"}}, token, &info); err != nil {
		logrus.WithError(err).Debugf("[PUBLISHER] instagram permalink lookup failed for %s", published.ID)
	} else {
		result.URL = info.Permalink
	}
	return result, nil
}

func (p *Publisher) waitForContainer(ctx context.Context, containerID, token string) error {
	for i := 0; i < p.pollMax; i++ {
		var st containerStatus
		err := p.graph.Get(ctx, containerID, url.Values{"fields": {"status_code,status"}}, token, &st)
		if err != nil {
			return err
		}

		switch st.StatusCode {
		case statusFinished, statusPublished:
			return nil
		case statusError:
			return publisher.Validation("container_error", fmt.Sprintf("media container %s failed: %s", containerID, st.Status))
		case statusExpired:
			return publisher.Transient("container_expired", fmt.Sprintf("media container %s expired", containerID))
		}

		select {
		case <-ctx.Done():
			return publisher.Classify(ctx.Err())
		case <-time.After(p.pollEvery):
		}
	}
	return publisher.Transient("container_pending", fmt.Sprintf("media container %s still %s after %d checks", containerID, statusInProgress, p.pollMax))
}

func isVideo(mediaURL string) bool {
	u, err := url.Parse(mediaURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".mp4", ".mov", ".m4v":
		return true
	}
	return false
}
