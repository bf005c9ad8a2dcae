package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"

	"github.com/omgasolutions/omrcam/internal/model"
)

var jsonUnmarshal = json.Unmarshal

//go:embed locales/*.json
var localeFS embed.FS

type ctxKey struct{}

var (
	bundle      *i18n.Bundle
	defaultLang language.Tag
)

// Init loads the translation bundle for the given language tag.
func Init(lang string) error {
	tag, err := language.Parse(lang)
	if err != nil {
		return fmt.Errorf("parse language %q: %w", lang, err)
	}

	defaultLang = tag
	bundle = i18n.NewBundle(tag)
	bundle.RegisterUnmarshalFunc("json", jsonUnmarshal)

	// Load all locale files from embedded FS.
	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return fmt.Errorf("read locales dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile("locales/" + e.Name())
		if err != nil {
			return fmt.Errorf("read locale file %s: %w", e.Name(), err)
		}
		bundle.MustParseMessageFileBytes(data, e.Name())
		slog.Debug("loaded locale file", "file", e.Name())
	}

	return nil
}

// NewLocalizer creates a localizer for the given languages, most preferred
// first. Accept-Language header values are accepted as is.
func NewLocalizer(langs ...string) *i18n.Localizer {
	return i18n.NewLocalizer(bundle, langs...)
}

// Languages returns the tags of all loaded locales.
func Languages() []language.Tag {
	return bundle.LanguageTags()
}

// Negotiate picks the loaded locale that best serves the given preferences.
func Negotiate(prefs ...string) language.Tag {
	matcher := language.NewMatcher(append([]language.Tag{defaultLang}, Languages()...))
	tag, _ := language.MatchStrings(matcher, prefs...)
	base, _ := tag.Base()
	return language.Make(base.String())
}

// WithLocalizer stores a localizer in the context.
func WithLocalizer(ctx context.Context, loc *i18n.Localizer) context.Context {
	return context.WithValue(ctx, ctxKey{}, loc)
}

// localizerFromCtx retrieves the localizer from context.
func localizerFromCtx(ctx context.Context) *i18n.Localizer {
	if loc, ok := ctx.Value(ctxKey{}).(*i18n.Localizer); ok {
		return loc
	}
	// Fallback: the bundle's default language.
	return i18n.NewLocalizer(bundle, defaultLang.String())
}

// T translates a message by ID.
func T(ctx context.Context, msgID string) string {
	loc := localizerFromCtx(ctx)
	s, err := loc.Localize(&i18n.LocalizeConfig{MessageID: msgID})
	if err != nil {
		slog.Warn("missing translation", "id", msgID, "error", err)
		return msgID
	}
	return s
}

// Td translates a message by ID with template data.
func Td(ctx context.Context, msgID string, data map[string]any) string {
	loc := localizerFromCtx(ctx)
	s, err := loc.Localize(&i18n.LocalizeConfig{
		MessageID:    msgID,
		TemplateData: data,
	})
	if err != nil {
		slog.Warn("missing translation", "id", msgID, "error", err)
		return msgID
	}
	return s
}

// Tp translates a pluralized message by ID.
func Tp(ctx context.Context, msgID string, count int) string {
	loc := localizerFromCtx(ctx)
	s, err := loc.Localize(&i18n.LocalizeConfig{
		MessageID:    msgID,
		PluralCount:  count,
		TemplateData: map[string]any{"Count": count},
	})
	if err != nil {
		slog.Warn("missing translation", "id", msgID, "error", err)
		return msgID
	}
	return s
}

var guidanceIDs = map[model.Guidance]string{
	model.GuidanceIncreaseLighting: "GuidanceIncreaseLighting",
	model.GuidanceReduceLighting:   "GuidanceReduceLighting",
	model.GuidanceShiftLeft:        "GuidanceShiftLeft",
	model.GuidanceShiftRight:       "GuidanceShiftRight",
	model.GuidanceRaise:            "GuidanceRaise",
	model.GuidanceLower:            "GuidanceLower",
	model.GuidanceReady:            "GuidanceReady",
}

var stateIDs = map[model.CaptureState]string{
	model.StateIdle:              "StateIdle",
	model.StatePreviewing:        "StatePreviewing",
	model.StateSampling:          "StateSampling",
	model.StateTriggeringEffects: "StateTriggeringEffects",
	model.StateCaptured:          "StateCaptured",
	model.StateStopped:           "StateStopped",
	model.StateFailed:            "StateFailed",
}

// Guidance returns the hint text for g.
func Guidance(ctx context.Context, g model.Guidance) string {
	if id, ok := guidanceIDs[g]; ok {
		return T(ctx, id)
	}
	return string(g)
}

// State returns the status line for a capture state.
func State(ctx context.Context, st model.CaptureState) string {
	if id, ok := stateIDs[st]; ok {
		return T(ctx, id)
	}
	return string(st)
}
