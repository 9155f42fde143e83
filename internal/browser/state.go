package browser

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/xeipuuv/gojsonschema"

	"github.com/jonathan/contact-extractor/internal/session"
)

// stateSchema constrains what a serialized cookie jar may look like before it is handed
// back to the browser.
const stateSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["cookies"],
  "properties": {
    "cookies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "value", "domain"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "value": {"type": "string"},
          "domain": {"type": "string", "minLength": 1},
          "path": {"type": "string"},
          "expires": {"type": "number"},
          "httpOnly": {"type": "boolean"},
          "secure": {"type": "boolean"},
          "sameSite": {"type": "string", "enum": ["", "Strict", "Lax", "None"]}
        }
      }
    }
  }
}`

var stateSchemaLoader = gojsonschema.NewStringLoader(stateSchema)

// storedCookie is the JSON form of one browser cookie.
type storedCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

type storedState struct {
	Cookies []storedCookie `json:"cookies"`
}

// FieldError is one schema violation in a session state document.
type FieldError struct {
	Field   string
	Message string
}

// StateError reports a session state document that does not match the schema.
type StateError struct {
	Errors []FieldError
}

func (e *StateError) Error() string {
	var sb strings.Builder
	sb.WriteString("invalid session state:")
	for _, fe := range e.Errors {
		sb.WriteString(fmt.Sprintf(" %s: %s;", fe.Field, fe.Message))
	}
	return sb.String()
}

// ValidateState checks raw state against the cookie jar schema.
func ValidateState(raw session.State) error {
	result, err := gojsonschema.Validate(stateSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("failed to parse session state: %w", err)
	}
	if result.Valid() {
		return nil
	}
	verr := &StateError{}
	for _, re := range result.Errors() {
		verr.Errors = append(verr.Errors, FieldError{Field: re.Field(), Message: re.Description()})
	}
	return verr
}

// EncodeState serializes the browser cookie jar. Session cookies carry no expiry.
func EncodeState(cookies []*network.Cookie) (session.State, error) {
	st := storedState{Cookies: make([]storedCookie, 0, len(cookies))}
	for _, c := range cookies {
		if c == nil {
			continue
		}
		sc := storedCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite.String(),
		}
		if !c.Session && c.Expires > 0 {
			sc.Expires = c.Expires
		}
		st.Cookies = append(st.Cookies, sc)
	}
	b, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session state: %w", err)
	}
	return session.State(b), nil
}

// DecodeState validates raw and converts it into cookies the browser can restore.
// Expired cookies are dropped.
func DecodeState(raw session.State, now time.Time) ([]*network.CookieParam, error) {
	if err := ValidateState(raw); err != nil {
		return nil, err
	}
	var st storedState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session state: %w", err)
	}

	params := make([]*network.CookieParam, 0, len(st.Cookies))
	for _, c := range st.Cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != "" {
			p.SameSite = network.CookieSameSite(c.SameSite)
		}
		if c.Expires > 0 {
			exp := time.Unix(0, int64(c.Expires*float64(time.Second)))
			if !exp.After(now) {
				continue
			}
			ts := cdp.TimeSinceEpoch(exp)
			p.Expires = &ts
		}
		params = append(params, p)
	}
	return params, nil
}
