// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tombee/cascade/pkg/secrets"
)

// MaskingHandler wraps a slog.Handler and routes every message and string
// attribute through a secret masker before the record reaches the
// underlying transport. This keeps the no-secrets-in-logs invariant even
// when a call site forgets to mask.
type MaskingHandler struct {
	inner  slog.Handler
	masker *secrets.Masker
}

// NewMaskingHandler wraps handler with the given masker.
func NewMaskingHandler(handler slog.Handler, masker *secrets.Masker) *MaskingHandler {
	return &MaskingHandler{inner: handler, masker: masker}
}

// Enabled implements slog.Handler.
func (h *MaskingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler. The record is rebuilt with masked
// message and attribute values.
func (h *MaskingHandler) Handle(ctx context.Context, record slog.Record) error {
	masked := slog.NewRecord(record.Time, record.Level, h.masker.Mask(record.Message), record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		masked.AddAttrs(h.maskAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, masked)
}

// WithAttrs implements slog.Handler.
func (h *MaskingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	maskedAttrs := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		maskedAttrs[i] = h.maskAttr(attr)
	}
	return &MaskingHandler{inner: h.inner.WithAttrs(maskedAttrs), masker: h.masker}
}

// WithGroup implements slog.Handler.
func (h *MaskingHandler) WithGroup(name string) slog.Handler {
	return &MaskingHandler{inner: h.inner.WithGroup(name), masker: h.masker}
}

// maskAttr masks a single attribute value, descending into groups.
func (h *MaskingHandler) maskAttr(attr slog.Attr) slog.Attr {
	switch attr.Value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, h.masker.Mask(attr.Value.String()))
	case slog.KindGroup:
		group := attr.Value.Group()
		maskedGroup := make([]any, 0, len(group))
		for _, member := range group {
			maskedGroup = append(maskedGroup, h.maskAttr(member))
		}
		return slog.Group(attr.Key, maskedGroup...)
	case slog.KindAny:
		value := attr.Value.Any()
		if err, ok := value.(error); ok {
			return slog.String(attr.Key, h.masker.Mask(err.Error()))
		}
		if s, ok := value.(fmt.Stringer); ok {
			return slog.String(attr.Key, h.masker.Mask(s.String()))
		}
		return slog.Any(attr.Key, h.masker.MaskValue(value))
	default:
		return attr
	}
}
