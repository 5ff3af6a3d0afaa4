package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/pavelanni/examscan/internal/model"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	return WithLocalizer(context.Background(), NewLocalizer(lang))
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		lang, id, want string
	}{
		{"en", "ErrNotFound", "That page does not exist."},
		{"en", "FlagBLURRY", "The image looks blurry."},
		{"ru", "ErrNotFound", "Такой страницы нет."},
		{"ru", "ErrNoSpread", "На странице не найден разворот."},
	}
	for _, tt := range tests {
		t.Run(tt.lang+"/"+tt.id, func(t *testing.T) {
			ctx := initLang(t, tt.lang)
			if got := T(ctx, tt.id); got != tt.want {
				t.Errorf("T(%s) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestPluralTranslation(t *testing.T) {
	tests := []struct {
		lang  string
		count int
		want  string
	}{
		{"en", 1, "1 page in the answer copy."},
		{"en", 5, "5 pages in the answer copy."},
		{"ru", 1, "1 страница в работе."},
		{"ru", 3, "3 страницы в работе."},
		{"ru", 5, "5 страниц в работе."},
	}
	for _, tt := range tests {
		ctx := initLang(t, tt.lang)
		if got := PageSummary(ctx, tt.count); got != tt.want {
			t.Errorf("PageSummary(%s, %d) = %q, want %q", tt.lang, tt.count, got, tt.want)
		}
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "ErrIncompleteMetadata", map[string]any{"Fields": "degree, subject"})
	if got != "Fill in the exam details first: degree, subject." {
		t.Errorf("Td(ErrIncompleteMetadata) = %q", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "NonExistentKey")
	if got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestDefaultLanguageWithoutLocalizer(t *testing.T) {
	if err := Init("ru"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = Init("en") })

	if got := T(context.Background(), "ErrNotFound"); got != "Такой страницы нет." {
		t.Errorf("T without localizer = %q, want the Russian text", got)
	}
	// an unsupported language still lands on the default, not on English
	de := WithLocalizer(context.Background(), NewLocalizer("de"))
	if got := T(de, "ErrNotFound"); got != "Такой страницы нет." {
		t.Errorf("T(de) = %q, want the Russian text", got)
	}
}

func TestFlagMessages(t *testing.T) {
	ctx := initLang(t, "en")

	got := FlagMessages(ctx, model.Flags{model.FlagLowResolution, model.FlagDuplicate})
	want := []string{
		"The image resolution is low.",
		"This page looks like one already in the answer copy.",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FlagMessages = %q, want %q", got, want)
	}
	if got := FlagMessages(ctx, nil); got != nil {
		t.Errorf("FlagMessages(nil) = %q, want nil", got)
	}
}

func TestMiddlewareNegotiates(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"header wins", "ru-RU,ru;q=0.9", "Такой страницы нет."},
		{"fallback lang", "", "That page does not exist."},
		{"unknown header", "de-DE", "That page does not exist."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := Middleware("en")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = T(r.Context(), "ErrNotFound")
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Accept-Language", tt.header)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("ErrNotFound = %q, want %q", got, tt.want)
			}
		})
	}
}
