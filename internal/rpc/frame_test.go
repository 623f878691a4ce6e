package rpc

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{Method: MethodCreateMessage, CallerAddr: "203.0.113.1", Body: []byte("hello")}

	require.NoError(t, WriteFrame(&buf, req))

	var got Request
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Equal(t, req.Method, got.Method)
	assert.Equal(t, req.CallerAddr, got.CallerAddr)
	assert.Equal(t, req.Body, got.Body)
}

func TestWriteFrameRejectsOversizedBody(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{Body: make([]byte, MaxFrameSize+1)}
	err := WriteFrame(&buf, req)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameRejectsOversizedLengthPrefix(t *testing.T) {
	r := strings.NewReader(string([]byte{0xff, 0xff, 0xff, 0xff}))
	var req Request
	err := ReadFrame(r, &req)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameErrorsOnTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Request{Body: []byte("abcdef")}))

	truncated := buf.Bytes()[:6]
	var req Request
	err := ReadFrame(bytes.NewReader(truncated), &req)
	assert.Error(t, err)
}

func TestEncodingIsDeterministic(t *testing.T) {
	req := &Request{Method: MethodGetRoom, CallerAddr: "198.51.100.1", Body: []byte{1, 2, 3}}

	var a, b bytes.Buffer
	require.NoError(t, WriteFrame(&a, req))
	require.NoError(t, WriteFrame(&b, req))
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestResponseErrorFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	resp := &Response{Error: &Error{Code: "NOT_FOUND", Message: "room not found", PenaltySeconds: 2.5}, End: true}
	require.NoError(t, WriteFrame(&buf, resp))

	var got Response
	require.NoError(t, ReadFrame(&buf, &got))
	require.NotNil(t, got.Error)
	assert.Equal(t, resp.Error.Code, got.Error.Code)
	assert.Equal(t, resp.Error.PenaltySeconds, got.Error.PenaltySeconds)
	assert.True(t, got.End)
}
