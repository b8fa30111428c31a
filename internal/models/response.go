package models

// MessageResponse is the body of every non-listing reply that carries no payload,
// including all errors.
type MessageResponse struct {
	Message string            `json:"message"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// NewMessageResponse creates a plain message response
func NewMessageResponse(message string) MessageResponse {
	return MessageResponse{Message: message}
}

// NewErrorResponse creates an error response
func NewErrorResponse(message string) MessageResponse {
	return MessageResponse{Message: message}
}

// NewValidationErrorResponse creates a validation error response. The first
// field error becomes the message so clients that only read message still
// see something specific.
func NewValidationErrorResponse(errors map[string]string) MessageResponse {
	resp := MessageResponse{Message: "Validation failed", Errors: errors}
	for _, field := range []string{"username", "email", "password", "old_password", "new_password", "title", "price", "item_id", "items"} {
		if msg, ok := errors[field]; ok {
			resp.Message = msg
			break
		}
	}
	return resp
}

type ItemResponse struct {
	Message string   `json:"message"`
	Item    ItemView `json:"item"`
}

type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type SeedResponse struct {
	Message          string `json:"message"`
	UsersCreated     int    `json:"users_created"`
	SellersWithItems int    `json:"sellers_with_items"`
	ItemsCreated     int    `json:"items_created"`
}
