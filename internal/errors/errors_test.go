package appErrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(NewValidation("sections", "is required")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(fmt.Errorf("lookup: %w", NewCampaignNotFound("x"))))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(NewPersistence("create campaign", errors.New("boom"))))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestPublicMessageHidesStoreDetails(t *testing.T) {
	err := NewPersistence("create campaign", errors.New("pq: password authentication failed"))
	assert.Equal(t, "failed to create campaign", PublicMessage(err))
	assert.Equal(t, "internal server error", PublicMessage(errors.New("pq: oops")))
	assert.Equal(t, "validation failed: sections is required", PublicMessage(NewValidation("sections", "is required")))
}

func TestTransportErrorUnwraps(t *testing.T) {
	cause := errors.New("550 mailbox unavailable")
	err := NewTransport("a@example.com", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "a@example.com")
}
