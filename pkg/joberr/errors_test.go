package joberr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_Classification(t *testing.T) {
	tests := []struct {
		name   string
		kind   error
		err    error
		expect error
	}{
		{"transport", ErrTransport, errors.New("connection refused"), ErrTransport},
		{"not found", ErrNotFound, errors.New("404"), ErrNotFound},
		{"context cancel wins over transport", ErrTransport, context.Canceled, ErrCancelled},
		{"wrapped cancel wins", ErrTransport, fmt.Errorf("post: %w", context.Canceled), ErrCancelled},
		{"existing kind kept", ErrTransport, &Error{Op: "inner", Err: ErrParse}, ErrParse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Wrap("Op", "job-1", tt.kind, tt.err)
			assert.ErrorIs(t, err, tt.expect)
			assert.Equal(t, tt.expect, Kind(err))
		})
	}
}

func TestWrap_Nil(t *testing.T) {
	assert.NoError(t, Wrap("Op", "", ErrTransport, nil))
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsValidation(Validation("Submit", "no files")))
	assert.True(t, IsTransport(Wrap("CreateJob", "", ErrTransport, errors.New("boom"))))
	assert.True(t, IsCancelled(context.Canceled))
	assert.True(t, IsNotFound(&Error{Op: "FetchResults", Status: 404, Err: ErrNotFound}))
	assert.True(t, IsParse(Wrap("Decode", "", ErrParse, errors.New("bad json"))))
	assert.False(t, IsTransport(Validation("Submit", "no files")))
}

func TestError_Message(t *testing.T) {
	err := &Error{Op: "FetchJob", JobID: "42", Status: 503, Err: ErrTransport}
	assert.Equal(t, "FetchJob 42: status 503: transport failure", err.Error())

	err = &Error{Op: "ListJobs", Err: ErrTransport}
	assert.Equal(t, "ListJobs: transport failure", err.Error())
}
