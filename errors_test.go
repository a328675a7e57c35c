package tether

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloseErrorResumable(t *testing.T) {
	for code, resumable := range map[int]bool{
		1000:                   true,
		4000:                   true,
		4007:                   true,
		4009:                   true,
		CloseShardingRequired:  false,
		CloseInvalidIntents:    false,
		CloseDisallowedIntents: false,
	} {
		ce := &CloseError{Code: code}
		assert.Equal(t, resumable, ce.Resumable(), "code %d", code)
	}
}

func TestConfigErrorForClose(t *testing.T) {
	for _, code := range []int{CloseShardingRequired, CloseInvalidIntents, CloseDisallowedIntents} {
		err := configErrorForClose(&CloseError{Code: code}, IntentsDefault)
		require.Error(t, err, "code %d", code)
		var fatal *ConfigError
		require.ErrorAs(t, err, &fatal)
		assert.Equal(t, code, fatal.Code)
	}
	assert.NoError(t, configErrorForClose(&CloseError{Code: 4000}, IntentsDefault))
}

func TestRequestErrorTyping(t *testing.T) {
	route := NewRoute("GET", "/users/@me", nil)

	var forbidden *Forbidden
	assert.ErrorAs(t, raiseStatus(403, route, nil), &forbidden)

	var notFound *NotFound
	assert.ErrorAs(t, raiseStatus(404, route, nil), &notFound)

	var server *ServerError
	assert.ErrorAs(t, raiseStatus(503, route, nil), &server)

	var base *RequestError
	err := raiseStatus(418, route, []byte("teapot"))
	require.ErrorAs(t, err, &base)
	assert.Equal(t, 418, base.Status)
	assert.Equal(t, []byte("teapot"), base.Body)
}

func TestLoginErrorUnwraps(t *testing.T) {
	cause := &RequestError{Status: 401}
	err := errors.Wrap(&LoginError{Err: cause}, "connecting")
	var reqErr *RequestError
	assert.ErrorAs(t, err, &reqErr)
}
