// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"validation", Invalid("title", "must not be empty"), ClassValidation},
		{"offline", fmt.Errorf("create habit: %w", ErrOffline), ClassOffline},
		{"passphrase", ErrPassphraseMissing, ClassPassphraseMissing},
		{"409", &StatusError{Status: 409}, ClassConflict},
		{"412 wrapped", fmt.Errorf("update: %w", &StatusError{Status: 412}), ClassConflict},
		{"500", &StatusError{Status: 500}, ClassTransient},
		{"404", &StatusError{Status: 404}, ClassTransient},
		{"canceled", context.Canceled, ClassCanceled},
		{"channel", &ChannelError{Op: "read", Err: errors.New("eof")}, ClassChannel},
		{"plain", errors.New("connection reset"), ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsConflict_IgnoresMessageText(t *testing.T) {
	// Only the status field counts, never the text.
	assert.False(t, IsConflict(errors.New("Request failed with status 409")))
	assert.True(t, IsConflict(&StatusError{Status: 409, Message: "stale"}))
}

func TestExhaustedError_Unwraps(t *testing.T) {
	inner := &StatusError{Status: 503}
	err := &ExhaustedError{Attempts: 3, Err: inner}

	assert.Equal(t, 503, StatusOf(err))
	assert.Contains(t, err.Error(), "3 attempts")
	assert.False(t, Retryable(context.DeadlineExceeded))
	assert.True(t, Retryable(inner))
}
