package facebook

import (
	"context"
	"net/url"

	"github.com/AzielCF/az-publish/infrastructure/platforms/graph"
	"github.com/AzielCF/az-publish/publishing/domain/publisher"
	"github.com/AzielCF/az-publish/validations"
)

const Platform = "facebook"

// Publisher posts to a Facebook Page: a photo post when media is present,
// otherwise a text post on the page feed.
type Publisher struct {
	graph *graph.Client
}

func New(client *graph.Client) *Publisher {
	return &Publisher{graph: client}
}

var _ publisher.Publisher = (*Publisher)(nil)

func (p *Publisher) Platform() string { return Platform }

type postResponse struct {
	ID     string `json:"id"`
	PostID string `json:"post_id"`
}

func (p *Publisher) Publish(ctx context.Context, in publisher.Input) (publisher.Result, error) {
	if err := validations.ValidateFacebookPost(ctx, in); err != nil {
		return publisher.Result{}, publisher.Validation("invalid_post", err.Error()).Wrap(err)
	}

	page := in.Credential.AccountID
	message := publisher.ComposeCaption(in.Caption, in.Hashtags)

	var (
		resp postResponse
		err  error
	)
	if in.MediaURL != "" {
		form := url.Values{"url": {in.MediaURL}, "published": {"true"}}
		if message != "" {
			form.Set("caption", message)
		}
		err = p.graph.Post(ctx, page+"/photos", form, in.Credential.AccessToken, &resp)
	} else {
		err = p.graph.Post(ctx, page+"/feed", url.Values{"message": {message}}, in.Credential.AccessToken, &resp)
	}
	if err != nil {
		return publisher.Result{}, err
	}

	postID := resp.PostID
	if postID == "" {
		postID = resp.ID
	}
	if postID == "" {
		return publisher.Result{}, publisher.Transient("no_post", "graph api returned no post id")
	}

	return publisher.Result{PostID: postID, URL: "https://www.facebook.com/" + postID}, nil
}
