package rest

import (
	"errors"

	domainCredential "github.com/AzielCF/az-publish/domains/credential"
	pkgError "github.com/AzielCF/az-publish/pkg/error"
	"github.com/AzielCF/az-publish/pkg/utils"
	"github.com/AzielCF/az-publish/validations"
	"github.com/gofiber/fiber/v2"
)

type Credential struct {
	Store domainCredential.ICredentialStore
}

func InitRestCredential(app fiber.Router, store domainCredential.ICredentialStore) Credential {
	rest := Credential{Store: store}
	app.Get("/credentials", rest.ListCredentials)
	app.Post("/credentials/refresh", rest.RefreshCredential)
	app.Post("/credentials/revoke", rest.RevokeCredential)
	return rest
}

func (h *Credential) ListCredentials(c *fiber.Ctx) error {
	creds, err := h.Store.List(c.UserContext(), c.Query("tenant_id"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Credentials fetched",
		Results: creds,
	})
}

// RefreshCredential stores new token material and clears the health flag.
func (h *Credential) RefreshCredential(c *fiber.Ctx) error {
	var req domainCredential.RefreshRequest
	err := c.BodyParser(&req)
	utils.PanicIfNeeded(err)

	utils.PanicIfNeeded(validations.ValidateCredentialRefresh(c.UserContext(), req))

	cred, err := h.Store.Refresh(c.UserContext(), req)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Credential refreshed",
		Results: cred,
	})
}

func (h *Credential) RevokeCredential(c *fiber.Ctx) error {
	var req domainCredential.RevokeRequest
	err := c.BodyParser(&req)
	utils.PanicIfNeeded(err)

	utils.PanicIfNeeded(validations.ValidateCredentialRevoke(c.UserContext(), req))

	err = h.Store.MarkRevoked(c.UserContext(), req.Key, req.Reason)
	if errors.Is(err, domainCredential.ErrCredentialNotFound) {
		err = pkgError.NotFoundError("credential not found")
	}
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Credential revoked",
	})
}
