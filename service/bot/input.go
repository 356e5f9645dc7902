package bot

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/likesync/likesync/models"
)

var (
	handleChars = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	validate    = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("handle", func(fl validator.FieldLevel) bool {
		return handleChars.MatchString(fl.Field().String())
	})
	return v
}

type handleInput struct {
	Handle string `validate:"required,handle,min=3,max=30"`
}

type periodInput struct {
	Hours int `validate:"min=1,max=720"`
}

// parseHandle reduces a pasted profile link to its handle and validates it.
// The returned error text is meant for the user.
func parseHandle(text string) (string, string) {
	in := handleInput{Handle: handleFromText(text)}

	err := validate.Struct(in)
	if err == nil {
		return in.Handle, ""
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "", textHandleChars
	}
	switch verrs[0].Tag() {
	case "required":
		return "", textHandleEmpty
	case "min", "max":
		return "", textHandleLength
	default:
		return "", textHandleChars
	}
}

func handleFromText(text string) string {
	text = strings.TrimSpace(text)

	const host = "soundcloud.com/"
	if i := strings.Index(strings.ToLower(text), host); i >= 0 {
		rest := text[i+len(host):]
		if j := strings.IndexAny(rest, "/?# "); j >= 0 {
			rest = rest[:j]
		}
		return rest
	}
	return text
}

// parsePeriod accepts a whole number of hours within the allowed range.
func parsePeriod(text string) (int, bool) {
	hours, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, false
	}
	if err := validate.Struct(periodInput{Hours: hours}); err != nil {
		return 0, false
	}
	return hours, true
}

// presetPeriods are offered as buttons; anything else goes through text input.
var presetPeriods = []int{6, 12, 24, 48}

func validPreset(hours int) bool {
	return hours >= models.MinSyncPeriodHours && hours <= models.MaxSyncPeriodHours
}
