package keeper

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// classifyExpired applies four independent heuristics to a keep-alive
// response; any single match classifies the session as expired:
//
//  1. the destination URL resembles the login page
//  2. the destination URL carries a post-login redirect parameter
//  3. the body contains an explicit unauthorized/401 marker
//  4. the rendered page exposes a login form
func (k *Keeper) classifyExpired(currentURL, content string) (bool, string) {
	if reason, ok := k.matchLoginURL(currentURL); ok {
		return true, reason
	}
	if reason, ok := k.matchRedirectParam(currentURL); ok {
		return true, reason
	}
	if reason, ok := k.matchUnauthorizedMarker(content); ok {
		return true, reason
	}
	if hasLoginForm(content) {
		return true, "page exposes a login form"
	}
	return false, ""
}

func (k *Keeper) matchLoginURL(rawURL string) (string, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	path := strings.ToLower(parsed.Path)
	for _, marker := range k.cfg.LoginPathMarkers {
		if strings.Contains(path, strings.ToLower(marker)) {
			return fmt.Sprintf("URL path %q matches login marker %q", parsed.Path, marker), true
		}
	}
	return "", false
}

// matchRedirectParam fires on a post-login redirect parameter regardless of
// the URL's path: sites commonly bounce expired sessions to a pre-login page
// carrying the protected target in a query parameter.
func (k *Keeper) matchRedirectParam(rawURL string) (string, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	query := parsed.Query()
	for _, param := range k.cfg.RedirectParams {
		if value := query.Get(param); value != "" {
			return fmt.Sprintf("URL carries post-login redirect %s=%q", param, value), true
		}
	}
	return "", false
}

func (k *Keeper) matchUnauthorizedMarker(content string) (string, bool) {
	lowered := strings.ToLower(content)
	for _, marker := range k.cfg.UnauthorizedMarkers {
		if marker != "" && strings.Contains(lowered, strings.ToLower(marker)) {
			return fmt.Sprintf("body contains unauthorized marker %q", marker), true
		}
	}
	return "", false
}

// hasLoginForm reports whether the rendered page contains a password input
// or a form whose action points at a login endpoint. A page that fails to
// parse is not treated as a login form.
func hasLoginForm(content string) bool {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return false
	}

	var found bool
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found {
			return
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "input":
				for _, attr := range n.Attr {
					if attr.Key == "type" && strings.EqualFold(attr.Val, "password") {
						found = true
						return
					}
				}
			case "form":
				for _, attr := range n.Attr {
					if attr.Key == "action" && strings.Contains(strings.ToLower(attr.Val), "login") {
						found = true
						return
					}
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return found
}
