package rest

import (
	"github.com/AzielCF/az-publish/pkg/utils"
	"github.com/AzielCF/az-publish/publishing/application"
	"github.com/AzielCF/az-publish/publishing/domain/content"
	"github.com/gofiber/fiber/v2"
)

type Items struct {
	Service *application.ItemService
}

func InitRestItems(app fiber.Router, service *application.ItemService) Items {
	rest := Items{Service: service}
	app.Get("/items", rest.List)
	app.Get("/items/:id", rest.Get)
	app.Post("/items/:id/retry", rest.Retry)
	return rest
}

func (controller *Items) List(c *fiber.Ctx) error {
	var request content.ListRequest
	err := c.QueryParser(&request)
	utils.PanicIfNeeded(err)

	items, err := controller.Service.List(c.UserContext(), request)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Success fetch items",
		Results: items,
	})
}

func (controller *Items) Get(c *fiber.Ctx) error {
	item, err := controller.Service.Get(c.UserContext(), c.Params("id"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Success fetch item",
		Results: item,
	})
}

func (controller *Items) Retry(c *fiber.Ctx) error {
	var request content.RetryRequest
	if len(c.Body()) > 0 {
		err := c.BodyParser(&request)
		utils.PanicIfNeeded(err)
	}
	request.ItemID = c.Params("id")

	item, err := controller.Service.Retry(c.UserContext(), request)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Retry scheduled",
		Results: item,
	})
}
