package pacing

// Baseline browser window, jittered by up to viewportJitter pixels on each axis.
const (
	BaseViewportWidth  = 1920
	BaseViewportHeight = 1080
	viewportJitter     = 50
)

// UserAgents is the desktop browser pool identities are drawn from.
var UserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
}

// Viewport is a browser window size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Identity is the browser fingerprint handed to the session capability for one context.
type Identity struct {
	UserAgent string
	Viewport  Viewport
}

// RandomUserAgent picks one entry of UserAgents.
func (p *Policy) RandomUserAgent() string {
	return UserAgents[p.intN(len(UserAgents))]
}

// RandomViewport returns the baseline window size jittered by ±50px per axis.
func (p *Policy) RandomViewport() Viewport {
	return Viewport{
		Width:  BaseViewportWidth + p.intN(2*viewportJitter+1) - viewportJitter,
		Height: BaseViewportHeight + p.intN(2*viewportJitter+1) - viewportJitter,
	}
}

// RandomIdentity combines RandomUserAgent and RandomViewport.
func (p *Policy) RandomIdentity() Identity {
	return Identity{
		UserAgent: p.RandomUserAgent(),
		Viewport:  p.RandomViewport(),
	}
}
