package validations

import (
	"context"
	"testing"

	domainCredential "github.com/AzielCF/az-publish/domains/credential"
	"github.com/AzielCF/az-publish/publishing/domain/content"
	"github.com/AzielCF/az-publish/publishing/domain/publisher"
	"github.com/stretchr/testify/assert"
)

func TestValidateListRequest(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, ValidateListRequest(ctx, content.ListRequest{}))
	assert.NoError(t, ValidateListRequest(ctx, content.ListRequest{Status: "partially_published", Limit: 20}))
	assert.Error(t, ValidateListRequest(ctx, content.ListRequest{Status: "bogus"}))
	assert.Error(t, ValidateListRequest(ctx, content.ListRequest{Limit: 501}))
}

func TestValidateRetryRequest(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, ValidateRetryRequest(ctx, content.RetryRequest{ItemID: "i"}))
	assert.NoError(t, ValidateRetryRequest(ctx, content.RetryRequest{ItemID: "i", Targets: []string{"instagram:178414", "webhook:shop-1"}}))
	assert.Error(t, ValidateRetryRequest(ctx, content.RetryRequest{Targets: []string{"instagram:1"}}))
	assert.Error(t, ValidateRetryRequest(ctx, content.RetryRequest{ItemID: "i", Targets: []string{"instagram"}}))
	assert.Error(t, ValidateRetryRequest(ctx, content.RetryRequest{ItemID: "i", Targets: []string{""}}))
}

func TestValidateInstagramPost(t *testing.T) {
	ctx := context.Background()
	cred := domainCredential.Credential{AccountID: "1784"}

	assert.NoError(t, ValidateInstagramPost(ctx, publisher.Input{MediaURL: "https://cdn.example.com/a.jpg", Caption: "hi", Credential: cred}))
	assert.Error(t, ValidateInstagramPost(ctx, publisher.Input{Caption: "text only", Credential: cred}))

	tags := make([]string, 31)
	for i := range tags {
		tags[i] = "t" + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	assert.Error(t, ValidateInstagramPost(ctx, publisher.Input{MediaURL: "https://cdn.example.com/a.jpg", Hashtags: tags, Credential: cred}))
}

func TestValidateFacebookPost(t *testing.T) {
	ctx := context.Background()
	cred := domainCredential.Credential{AccountID: "page-1"}

	assert.NoError(t, ValidateFacebookPost(ctx, publisher.Input{Caption: "text post", Credential: cred}))
	assert.NoError(t, ValidateFacebookPost(ctx, publisher.Input{MediaURL: "https://cdn.example.com/a.jpg", Credential: cred}))
	assert.Error(t, ValidateFacebookPost(ctx, publisher.Input{Credential: cred}))
}

func TestValidateWebhookPost(t *testing.T) {
	ctx := context.Background()
	in := publisher.Input{IdempotencyKey: "abc"}

	assert.NoError(t, ValidateWebhookPost(ctx, in, "https://shop.example.com/hooks/posts"))
	assert.Error(t, ValidateWebhookPost(ctx, in, ""))
	assert.Error(t, ValidateWebhookPost(ctx, publisher.Input{}, "https://shop.example.com/hooks/posts"))
}
