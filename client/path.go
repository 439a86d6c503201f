package client

import (
	"net/url"
	"strings"
)

// Resource paths have the shape /{action}/{owner}/{collection...}/{leaf}.
// A collection name is a single logical string that may contain "/" as a
// human-meaningful separator, so each slash-delimited segment is escaped on
// its own and the segments are re-joined with literal slashes. Escaping the
// whole name in one pass would corrupt names whose segments contain "/"
// themselves once escaped.

type action string

const (
	actionAPI    action = "api"
	actionUpload action = "upload"
)

// escapeSegments form-escapes every slash-delimited segment of name
// independently. The empty name stays empty.
func escapeSegments(name string) string {
	if name == "" {
		return ""
	}
	segments := strings.Split(name, "/")
	for i, seg := range segments {
		segments[i] = url.QueryEscape(seg)
	}
	return strings.Join(segments, "/")
}

// buildResourcePath produces the absolute path for a resource. Empty owner,
// collection or leaf serialize as empty segments, never omitted ones: the
// root collection listing of an owner is "/api/{owner}//" and the trailing
// slash is significant to the service.
func buildResourcePath(act action, owner, collection, leaf string) string {
	return "/" + string(act) +
		"/" + url.QueryEscape(owner) +
		"/" + escapeSegments(collection) +
		"/" + url.QueryEscape(leaf)
}

// queryParam is one key-value pair of a query string. A nil Value serializes
// as a bare key with no "=", which the service reads as a boolean flag.
type queryParam struct {
	Key   string
	Value *string
}

func stringParam(key, value string) queryParam {
	return queryParam{Key: key, Value: &value}
}

func flagParam(key string) queryParam {
	return queryParam{Key: key}
}

// buildQueryURL appends the serialized params to path, preserving their
// order. Params with empty (non-nil) values keep the "=".
func buildQueryURL(path string, params []queryParam) string {
	if len(params) == 0 {
		return path
	}
	var b strings.Builder
	b.WriteString(path)
	for i, p := range params {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Key))
		if p.Value != nil {
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(*p.Value))
		}
	}
	return b.String()
}

// unescapeName reverses escapeSegments for a single path segment or a
// filename recovered from a response header.
func unescapeName(s string) (string, error) {
	return url.QueryUnescape(s)
}
