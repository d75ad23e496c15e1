package content

// ListRequest is the operator query for listing items.
type ListRequest struct {
	Status string `json:"status" query:"status"`
	Due    bool   `json:"due" query:"due"`
	Limit  int    `json:"limit" query:"limit"`
}

// RetryRequest asks for a forced retry of an item. Empty Targets selects every
// target that has not succeeded.
type RetryRequest struct {
	ItemID  string   `json:"-"`
	Targets []string `json:"targets"`
}
