package validations

import (
	"context"

	pkgError "github.com/AzielCF/az-publish/pkg/error"
	"github.com/AzielCF/az-publish/publishing/domain/publisher"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

const (
	instagramCaptionLimit = 2200
	instagramHashtagLimit = 30
	facebookMessageLimit  = 63206
)

func ValidateInstagramPost(ctx context.Context, in publisher.Input) error {
	caption := publisher.ComposeCaption(in.Caption, in.Hashtags)
	err := validation.Errors{
		"media_url":  validation.ValidateWithContext(ctx, in.MediaURL, validation.Required.Error("instagram posts need an image or video"), is.URL),
		"account_id": validation.Validate(in.Credential.AccountID, validation.Required),
		"hashtags":   validation.Validate(in.Hashtags, validation.Length(0, instagramHashtagLimit)),
		"caption":    validation.Validate(caption, validation.RuneLength(0, instagramCaptionLimit)),
	}.Filter()

	if err != nil {
		return pkgError.ValidationError(err.Error())
	}

	return nil
}

func ValidateFacebookPost(ctx context.Context, in publisher.Input) error {
	caption := publisher.ComposeCaption(in.Caption, in.Hashtags)
	rules := []validation.Rule{validation.RuneLength(0, facebookMessageLimit)}
	if in.MediaURL == "" {
		rules = append(rules, validation.Required.Error("text posts need a message"))
	}

	err := validation.Errors{
		"media_url":  validation.ValidateWithContext(ctx, in.MediaURL, is.URL),
		"account_id": validation.Validate(in.Credential.AccountID, validation.Required),
		"caption":    validation.Validate(caption, rules...),
	}.Filter()

	if err != nil {
		return pkgError.ValidationError(err.Error())
	}

	return nil
}

func ValidateWebhookPost(ctx context.Context, in publisher.Input, endpoint string) error {
	err := validation.Errors{
		"endpoint":        validation.ValidateWithContext(ctx, endpoint, validation.Required.Error("credential metadata has no endpoint"), is.RequestURL),
		"idempotency_key": validation.Validate(in.IdempotencyKey, validation.Required),
	}.Filter()

	if err != nil {
		return pkgError.ValidationError(err.Error())
	}

	return nil
}
