package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/promo-mailer-backend/internal/errors"
)

// smallest valid PNG header plus IHDR chunk start
var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D, 'I', 'H', 'D', 'R'}

func TestDetectImage(t *testing.T) {
	ct, ext, err := DetectImage("sections[0][image]", pngHeader)
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)
	assert.Equal(t, ".png", ext)
}

func TestDetectImageRejectsNonImages(t *testing.T) {
	_, _, err := DetectImage("sections[1][image]", []byte("just some text"))
	var ve *appErrors.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "sections[1][image]", ve.Field)

	_, _, err = DetectImage("sections[1][image]", nil)
	assert.True(t, errors.As(err, &ve))
}

func TestMemoryImageStore(t *testing.T) {
	s := NewMemoryImageStore("http://cdn.local/")
	url, err := s.Put(context.Background(), "campaigns/c1/0.png", "image/png", pngHeader)
	require.NoError(t, err)
	assert.Equal(t, "http://cdn.local/campaigns/c1/0.png", url)
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Remove(context.Background(), "campaigns/c1/0.png"))
	assert.Equal(t, 0, s.Len())
}
