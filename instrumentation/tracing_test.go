package instrumentation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return rec, tp
}

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	out := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value
	}
	return out
}

func TestRecordError(t *testing.T) {
	rec, tp := newRecorder()
	_, span := tp.Tracer("test").Start(context.Background(), "op")
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	RecordError(nil, errors.New("ignored"))
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	if ended[0].Status().Code != codes.Error || ended[0].Status().Description != "boom" {
		t.Errorf("status = %+v, want Error/boom", ended[0].Status())
	}
	if len(ended[0].Events()) != 1 {
		t.Errorf("events = %d, want 1 recorded error", len(ended[0].Events()))
	}
}

func TestSetSpanSuccess(t *testing.T) {
	rec, tp := newRecorder()
	_, span := tp.Tracer("test").Start(context.Background(), "op")
	SetSpanSuccess(span)
	SetSpanSuccess(nil)
	span.End()

	if got := rec.Ended()[0].Status().Code; got != codes.Ok {
		t.Errorf("status = %v, want Ok", got)
	}
}

func TestAddErrorCode(t *testing.T) {
	rec, tp := newRecorder()
	_, span := tp.Tracer("test").Start(context.Background(), "op")
	AddErrorCode(span, "")
	AddErrorCode(span, "invalid_grant")
	span.End()

	s := rec.Ended()[0]
	if got := attrMap(s.Attributes())[AttrError].AsString(); got != "invalid_grant" {
		t.Errorf("%s = %q, want invalid_grant", AttrError, got)
	}
	if s.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", s.Status().Code)
	}
}

func TestAttributeHelpers(t *testing.T) {
	rec, tp := newRecorder()
	_, span := tp.Tracer("test").Start(context.Background(), "op")

	AddClientAttributes(span, "client-1", "tools:read tools:call")
	AddClientAttributes(span, "", "")
	AddTokenFamilyAttributes(span, "fam-1", 3)
	AddTokenFamilyAttributes(span, "", 9)
	AddStorageAttributes(span, "get", "refresh")
	AddSecurityAttributes(span, "203.0.113.7")
	AddSecurityAttributes(span, "")
	span.End()

	attrs := attrMap(rec.Ended()[0].Attributes())

	wantStrings := map[string]string{
		AttrClientID:         "client-1",
		AttrScope:            "tools:read tools:call",
		AttrTokenFamilyID:    "fam-1",
		AttrStorageOperation: "get",
		AttrStorageKeyKind:   "refresh",
		AttrClientIP:         "203.0.113.7",
	}
	for k, want := range wantStrings {
		if got := attrs[k].AsString(); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if got := attrs[AttrTokenGeneration].AsInt64(); got != 3 {
		t.Errorf("%s = %d, want 3", AttrTokenGeneration, got)
	}
}

func TestAttributeHelpers_NilSpan(t *testing.T) {
	AddClientAttributes(nil, "c", "s")
	AddTokenFamilyAttributes(nil, "f", 1)
	AddStorageAttributes(nil, "get", "code")
	AddErrorCode(nil, "invalid_request")
	AddSecurityAttributes(nil, "127.0.0.1")
	SetSpanError(nil, "x")
	SetSpanAttributes(nil, attribute.String("k", "v"))
}

func TestAttributeKeys_NoCredentials(t *testing.T) {
	keys := []string{
		AttrClientID, AttrScope, AttrPKCEMethod, AttrTokenFamilyID, AttrTokenGeneration,
		AttrTokenTypeHint, AttrCodeReuse, AttrGrantType, AttrResponseType, AttrError,
		AttrStorageOperation, AttrStorageKeyKind, AttrClientIP, AttrHTTPEndpoint,
	}
	for _, k := range keys {
		for _, bad := range []string{"access_token", "refresh_token", "secret", "verifier", "authorization_code"} {
			if strings.Contains(k, bad) {
				t.Errorf("attribute key %q looks like it carries a credential", k)
			}
		}
	}
}
