package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// clearOverlaysJS removes chat widgets, modals and banners pinned over the page.
const clearOverlaysJS = `(() => {
  document.querySelector('#intercom-container')?.remove();
  const selectors = [
    '[class*="intercom"]', '[class*="modal-backdrop"]',
    '[class*="overlay"]', '[class*="popup"]',
    '[id*="intercom"]', '[id*="hubspot"]',
    '[id*="drift"]', '[id*="crisp"]',
    '[class*="banner"]', '[class*="cookie"]',
  ];
  for (const sel of selectors) {
    document.querySelectorAll(sel).forEach(el => {
      if (el.offsetHeight > 0 && getComputedStyle(el).position === 'fixed') {
        el.remove();
      }
    });
  }
  return true;
})()`

// interactJS finds the first element whose trimmed text matches a pattern (or that
// matches a CSS selector) and clicks or hovers it. Clicks are dispatched from script so
// leftover overlays cannot intercept them.
const interactJS = `((mode, needle, action) => {
  let el = null;
  if (mode === 'css') {
    el = document.querySelector(needle);
  } else {
    const re = new RegExp(needle);
    const all = document.querySelectorAll('a, button, li, span, div, label, [role="menuitem"], [role="tab"]');
    for (const cand of all) {
      const own = Array.from(cand.childNodes)
        .filter(n => n.nodeType === Node.TEXT_NODE)
        .map(n => n.textContent).join(' ').trim();
      const text = own || (cand.children.length === 0 ? cand.textContent.trim() : '');
      if (text && re.test(text)) { el = cand; break; }
    }
  }
  if (!el) return false;
  el.scrollIntoView({block: 'center'});
  if (action === 'hover') {
    for (const type of ['mouseover', 'mouseenter', 'mousemove']) {
      el.dispatchEvent(new MouseEvent(type, {bubbles: true}));
    }
  } else {
    el.click();
  }
  return true;
})(%s, %s, %s)`

// interactTimeout bounds how long a single click or hover waits for its target to render.
const interactTimeout = 15 * time.Second

func interact(mode, needle, action string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		args := make([]any, 0, 3)
		for _, s := range []string{mode, needle, action} {
			b, err := json.Marshal(s)
			if err != nil {
				return err
			}
			args = append(args, string(b))
		}
		script := fmt.Sprintf(interactJS, args...)

		deadline := time.Now().Add(interactTimeout)
		for {
			var ok bool
			if err := chromedp.Evaluate(script, &ok).Do(ctx); err != nil {
				return fmt.Errorf("failed to %s %q: %w", action, needle, err)
			}
			if ok {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("element not found for %s %q", action, needle)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}
	})
}

func clickText(pattern string) chromedp.Action { return interact("text", pattern, "click") }

func hoverText(pattern string) chromedp.Action { return interact("text", pattern, "hover") }

func clickSelector(css string) chromedp.Action { return interact("css", css, "click") }
