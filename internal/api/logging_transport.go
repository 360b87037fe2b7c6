package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// LoggingTransport wraps an http.RoundTripper and dumps every exchange to a
// dedicated log file. JSON bodies are logged, other bodies are not.
type LoggingTransport struct {
	Transport http.RoundTripper
	logger    *log.Logger
	logFile   *os.File
}

// NewLoggingTransport opens logFilePath for appending and wraps transport.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open API log file %s: %w", logFilePath, err)
	}
	t := newLoggingTransport(transport, f)
	t.logFile = f
	return t, nil
}

func newLoggingTransport(transport http.RoundTripper, out io.Writer) *LoggingTransport {
	if transport == nil {
		transport = http.DefaultTransport
	}
	logger := log.New()
	logger.SetOutput(out)
	logger.SetFormatter(&log.TextFormatter{
		DisableColors:    true,
		FullTimestamp:    true,
		DisableQuote:     true,
		QuoteEmptyFields: true,
	})
	logger.SetLevel(log.DebugLevel)
	return &LoggingTransport{Transport: transport, logger: logger}
}

// RoundTrip executes a single HTTP transaction, logging details.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	if reqDump, err := httputil.DumpRequestOut(req, true); err != nil {
		t.logger.WithError(err).Error("Failed to dump API request")
	} else {
		t.logger.Debugf("--- Request ---\n%s", redactAuth(reqDump))
	}

	resp, err := t.Transport.RoundTrip(req)
	entry := t.logger.WithField("duration", time.Since(start))
	if err != nil {
		entry.WithError(err).Error("--- Response Error ---")
		return resp, err
	}

	headers, dumpErr := httputil.DumpResponse(resp, false)
	if dumpErr != nil {
		entry.WithError(dumpErr).Warn("Failed to dump response headers")
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		entry.Debugf("--- Response (%s, body not logged) ---\n%s", contentType, headers)
		return resp, nil
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	// Restore the body so the caller can read it.
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if readErr != nil {
		entry.WithError(readErr).Errorf("--- Response (body read failed) ---\n%s", headers)
		return resp, nil
	}
	entry.Debugf("--- Response ---\n%s\n--- Body (%d bytes) ---\n%s", headers, len(body), body)
	return resp, nil
}

// Close closes the underlying log file.
func (t *LoggingTransport) Close() error {
	if t.logFile == nil {
		return nil
	}
	return t.logFile.Close()
}

func redactAuth(dump []byte) []byte {
	lines := bytes.Split(dump, []byte("\n"))
	for i, line := range lines {
		if bytes.HasPrefix(bytes.ToLower(line), []byte("authorization:")) {
			lines[i] = []byte("Authorization: Bearer [redacted]\r")
		}
	}
	return bytes.Join(lines, []byte("\n"))
}
