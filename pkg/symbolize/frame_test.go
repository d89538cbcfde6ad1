package symbolize

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameString(t *testing.T) {
	tests := []struct {
		frame Frame
		want  string
	}{
		{Frame{PC: 0x10, Func: "main.main", File: "main.go", Line: 12}, "main.main (main.go:12)"},
		{Frame{PC: 0x10, Func: "memcpy"}, "memcpy"},
		{Frame{PC: 0x10, File: "a.c", Line: 3}, "a.c:3"},
		{Frame{PC: 0x7f0010}, "0x7f0010"},
		{Frame{PC: 0x7f0010, Module: "/usr/lib/libc.so.6"}, "0x7f0010 (libc.so.6)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.frame.String())
	}
}

func TestResolutionErrorMatching(t *testing.T) {
	err := error(&ResolutionError{PC: 1, Path: "/bin/x", Err: os.ErrPermission})
	assert.True(t, errors.Is(err, ErrSymbolResolution))
	assert.True(t, errors.Is(err, os.ErrPermission))
	assert.Contains(t, err.Error(), "/bin/x")
}
