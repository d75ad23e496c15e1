package validations

import (
	"context"
	"regexp"

	pkgError "github.com/AzielCF/az-publish/pkg/error"
	"github.com/AzielCF/az-publish/publishing/domain/content"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var targetKeyPattern = regexp.MustCompile(`^[a-z0-9_\-]+:[^\s:]+$`)

var listableStatuses = []any{
	string(content.StatusDraft),
	string(content.StatusScheduled),
	string(content.StatusDispatching),
	string(content.StatusPartiallyPublished),
	string(content.StatusPublished),
	string(content.StatusFailed),
}

func ValidateListRequest(ctx context.Context, request content.ListRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.Status, validation.In(listableStatuses...)),
		validation.Field(&request.Limit, validation.Min(0), validation.Max(500)),
	)

	if err != nil {
		return pkgError.ValidationError(err.Error())
	}

	return nil
}

func ValidateRetryRequest(ctx context.Context, request content.RetryRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.ItemID, validation.Required),
		validation.Field(&request.Targets,
			validation.Length(0, 50),
			validation.Each(validation.Required, validation.Match(targetKeyPattern).Error("must look like platform:account")),
		),
	)

	if err != nil {
		return pkgError.ValidationError(err.Error())
	}

	return nil
}
