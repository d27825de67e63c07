package common

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/jpillora/backoff"
)

var (
	HeaderValueContentTypeJSON = []string{ContentTypeJSON}
)

func SendJSONResponse(ctx context.Context, w http.ResponseWriter, data interface{}, headers ...map[string][]string) {
	response, err := json.Marshal(data)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to serialise response", ErrAttr(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	wHeader := w.Header()
	wHeader[HeaderContentType] = HeaderValueContentTypeJSON
	for _, hh := range headers {
		for key, value := range hh {
			wHeader[key] = value
		}
	}

	if _, err := w.Write(response); err != nil {
		slog.ErrorContext(ctx, "Failed to send response", ErrAttr(err))
	}
}

func SendJSONStatus(ctx context.Context, w http.ResponseWriter, status int, data interface{}) {
	w.Header()[HeaderContentType] = HeaderValueContentTypeJSON
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "Failed to send response", ErrAttr(err))
	}
}

// NormalizeDomain lowercases the input and strips scheme, port, path and
// trailing slashes so that "https://Example.com:443/x/" becomes "example.com".
func NormalizeDomain(input string) (string, error) {
	input = strings.TrimSpace(strings.ToLower(input))
	if len(input) == 0 {
		return "", nil
	}

	if strings.Contains(input, "://") {
		parsedURL, err := url.Parse(input)
		if err != nil {
			return "", err
		}
		input = parsedURL.Host
	}

	if slashIndex := strings.Index(input, "/"); slashIndex != -1 {
		input = input[:slashIndex]
	}

	if host, _, err := splitHostPort(input); err == nil {
		input = host
	}

	return input, nil
}

func splitHostPort(hostport string) (string, string, error) {
	colonIndex := strings.LastIndex(hostport, ":")
	if colonIndex == -1 {
		return hostport, "", nil
	}

	// IPv6 literal without port
	if strings.Count(hostport, ":") > 1 && !strings.HasPrefix(hostport, "[") {
		return hostport, "", nil
	}

	return hostport[:colonIndex], hostport[colonIndex+1:], nil
}

func OriginHost(r *http.Request) string {
	origin := r.Header.Get(HeaderOrigin)
	if len(origin) == 0 {
		origin = r.Header.Get(HeaderReferer)
	}

	if len(origin) == 0 {
		return ""
	}

	host, err := NormalizeDomain(origin)
	if err != nil {
		return ""
	}

	return host
}

func IsLocalhost(address string) bool {
	return (address == "localhost") ||
		(address == "127.0.0.1") ||
		(address == "::1") ||
		(address == "0:0:0:0:0:0:0:1")
}

func IsIPAddress(str string) bool {
	_, err := netip.ParseAddr(str)
	return err == nil
}

func EnvToBool(value string) bool {
	switch value {
	case "1", "Y", "y", "yes", "true", "YES", "TRUE":
		return true
	default:
		return false
	}
}

func ChunkedCleanup(ctx context.Context, minInterval, maxInterval time.Duration, defaultChunkSize int, deleter func(context.Context, time.Time, int) int) {
	b := &backoff.Backoff{
		Min:    minInterval,
		Max:    maxInterval,
		Factor: 2,
		Jitter: true,
	}

	slog.DebugContext(ctx, "Starting chunked clean up", "maxInterval", maxInterval.String(), "size", defaultChunkSize)

	deleteChunk := defaultChunkSize

	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case <-time.After(b.Duration()):
			deleted := deleter(ctx, time.Now(), deleteChunk)
			if deleted == 0 {
				deleteChunk = defaultChunkSize
				continue
			}

			slog.DebugContext(ctx, "Deleted records", "count", deleted)

			// in case of any deletes, we want to go back to small interval first
			b.Reset()

			if deleted == deleteChunk {
				// 1.5 scaling factor
				deleteChunk += deleteChunk / 2
			}
		}
	}

	slog.DebugContext(ctx, "Finished cleaning up")
}
