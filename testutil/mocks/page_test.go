package mocks

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockPage_FormValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	p := NewMockPage("https://forms.example.test/confirm/").
		WithForm("#confirm-form", url.Values{"csrfmiddlewaretoken": {"tok"}})

	got, err := p.URL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://forms.example.test/confirm/", got)

	values, err := p.FormValues(ctx, "#confirm-form")
	require.NoError(t, err)
	assert.Equal(t, "tok", values.Get("csrfmiddlewaretoken"))

	values.Set("csrfmiddlewaretoken", "changed")
	again, err := p.FormValues(ctx, "#confirm-form")
	require.NoError(t, err)
	assert.Equal(t, "tok", again.Get("csrfmiddlewaretoken"))

	p.SetURL("https://forms.example.test/done/")
	got, _ = p.URL(ctx)
	assert.Equal(t, "https://forms.example.test/done/", got)
}

func TestMockPage_InjectedError(t *testing.T) {
	boom := errors.New("detached")
	p := NewMockPage("https://forms.example.test/").
		WithForm("#f", url.Values{}).
		WithError("FormValues", boom)

	_, err := p.FormValues(context.Background(), "#f")
	assert.ErrorIs(t, err, boom)
}
