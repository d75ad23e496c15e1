package validations

import (
	"context"
	"regexp"

	domainCredential "github.com/AzielCF/az-publish/domains/credential"
	pkgError "github.com/AzielCF/az-publish/pkg/error"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var platformPattern = regexp.MustCompile(`^[a-z0-9_\-]+$`)

func keyRules(key *domainCredential.Key) []*validation.FieldRules {
	return []*validation.FieldRules{
		validation.Field(&key.TenantID, validation.Required),
		validation.Field(&key.Platform, validation.Required, validation.Match(platformPattern)),
		validation.Field(&key.AccountID, validation.Required, validation.Length(1, 128)),
	}
}

func ValidateCredentialRefresh(ctx context.Context, request domainCredential.RefreshRequest) error {
	if err := validation.ValidateStructWithContext(ctx, &request.Key, keyRules(&request.Key)...); err != nil {
		return pkgError.ValidationError(err.Error())
	}
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.AccessToken, validation.Required),
	)
	if err != nil {
		return pkgError.ValidationError(err.Error())
	}
	return nil
}

func ValidateCredentialRevoke(ctx context.Context, request domainCredential.RevokeRequest) error {
	if err := validation.ValidateStructWithContext(ctx, &request.Key, keyRules(&request.Key)...); err != nil {
		return pkgError.ValidationError(err.Error())
	}
	return nil
}
