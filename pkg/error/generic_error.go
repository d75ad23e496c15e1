package error

// GenericError is implemented by every error the REST layer knows how to render.
type GenericError interface {
	ErrCode() string
	StatusCode() int
	Error() string
}
