// Package normalize turns raw platform webhook payloads into canonical posts
// and interactions. It never fails: malformed or unrecognized input yields an
// empty result and a warning.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"leadflow/internal/bootstrap/logging"
	"leadflow/internal/domain/engagement"
)

// ErrUnrecognizedPayload marks input that is not a webhook envelope the
// platform adapter reads.
var ErrUnrecognizedPayload = errors.New("unrecognized webhook payload")

type adapter func(n *Normalizer, doc gjson.Result, out *engagement.Normalized)

var adapters = map[engagement.Platform]adapter{
	engagement.PlatformInstagram: (*Normalizer).instagram,
	engagement.PlatformFacebook:  (*Normalizer).facebook,
	engagement.PlatformWhatsApp:  (*Normalizer).whatsapp,
}

type Normalizer struct {
	now func() time.Time
}

func New() *Normalizer {
	return &Normalizer{now: time.Now}
}

// Supports reports whether platform has a webhook adapter.
func Supports(platform engagement.Platform) bool {
	_, ok := adapters[platform]
	return ok
}

// CheckShape reports whether raw is an envelope the platform adapter reads.
// A recognized envelope may still carry no posts or interactions.
func CheckShape(platform engagement.Platform, raw []byte) error {
	if !Supports(platform) {
		return fmt.Errorf("%w: no adapter for platform %q", ErrUnrecognizedPayload, platform)
	}
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("%w: not valid json (%d bytes)", ErrUnrecognizedPayload, len(raw))
	}
	if !gjson.GetBytes(raw, "entry").IsArray() {
		return fmt.Errorf("%w: no entry list", ErrUnrecognizedPayload)
	}
	return nil
}

func (n *Normalizer) Normalize(ctx context.Context, platform engagement.Platform, raw []byte) engagement.Normalized {
	logCtx := logging.WithAttrs(ctx,
		slog.String("component", "usecase.normalize"),
		slog.String("platform", string(platform)),
	)

	if err := CheckShape(platform, raw); err != nil {
		logging.Warn(logCtx, "webhook payload skipped", slog.String("reason", err.Error()))
		return engagement.Normalized{}
	}

	var out engagement.Normalized
	adapters[platform](n, gjson.ParseBytes(raw), &out)
	if out.IsEmpty() {
		logging.Debug(logCtx, "webhook payload carried no posts or interactions")
	}
	return out
}

// timestamp accepts unix seconds, unix milliseconds (numbers or numeric
// strings) and RFC 3339. Anything else is now.
func (n *Normalizer) timestamp(v gjson.Result) time.Time {
	var unix int64
	switch v.Type {
	case gjson.Number:
		unix = v.Int()
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if parsed, err := strconv.ParseInt(s, 10, 64); err == nil {
			unix = parsed
		} else {
			for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05-0700"} {
				if t, err := time.Parse(layout, s); err == nil {
					return t.UTC()
				}
			}
		}
	}
	switch {
	case unix <= 0:
		return n.now().UTC()
	case unix >= 1e12:
		return time.UnixMilli(unix).UTC()
	default:
		return time.Unix(unix, 0).UTC()
	}
}

func referralFrom(v gjson.Result) *engagement.Referral {
	if !v.IsObject() {
		return nil
	}
	r := engagement.Referral{
		AdID:      v.Get("ad_id").String(),
		Source:    v.Get("source").String(),
		Type:      firstString(v, "type", "source_type"),
		Ref:       v.Get("ref").String(),
		SourceID:  v.Get("source_id").String(),
		SourceURL: v.Get("source_url").String(),
		ClickID:   v.Get("ctwa_clid").String(),
	}
	if r.IsZero() {
		return nil
	}
	return &r
}

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := strings.TrimSpace(v.Get(p).String()); s != "" {
			return s
		}
	}
	return ""
}
