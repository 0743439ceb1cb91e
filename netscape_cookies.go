package main

import (
	"bufio"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

const (
	CookieDomain = iota
	CookieHostOnly
	CookiePath
	CookieSecure
	CookieExpiration
	CookieName
	CookieValue
	CookiePieces
)

// The twitch.tv cookie carrying the OAuth token of a logged in user.
const AuthTokenCookie = "auth-token"

// ParseNetscapeCookiesFile loads a cookies.txt file into a jar and also returns
// the value of the twitch.tv auth-token cookie, if present.
func ParseNetscapeCookiesFile(fname string) (*cookiejar.Jar, string, error) {
	jar, err := cookiejar.New(&cookiejar.Options{
		PublicSuffixList: publicsuffix.List,
	})
	if err != nil {
		return nil, "", err
	}

	file, err := os.Open(fname)
	if err != nil {
		return nil, "", err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	cookieMap := make(map[string][]*http.Cookie)
	authToken := ""

	for scanner.Scan() {
		cookie := parseCookieLine(scanner.Text())
		if cookie == nil {
			continue
		}

		if cookie.Name == AuthTokenCookie && isTwitchDomain(cookie.Domain) {
			authToken = cookie.Value
		}

		cookieMap[cookie.Domain] = append(cookieMap[cookie.Domain], cookie)
	}
	if err := scanner.Err(); err != nil {
		return nil, "", err
	}

	for domain, cookies := range cookieMap {
		u, err := url.Parse(fmt.Sprintf("https://%s", strings.TrimPrefix(domain, ".")))
		if err == nil {
			jar.SetCookies(u, cookies)
		}
	}

	return jar, authToken, nil
}

// parseCookieLine returns nil for comments and malformed lines.
func parseCookieLine(line string) *http.Cookie {
	cookieParts := strings.Split(line, "\t")

	// Netscape cookie entries should always have 7 pieces to them
	if len(cookieParts) != CookiePieces {
		return nil
	}

	// Quoted values are not valid cookie values and net/http logs about them.
	if strings.Contains(cookieParts[CookieValue], `"`) {
		return nil
	}

	domain := strings.ToLower(cookieParts[CookieDomain])
	httpOnly := false
	if strings.HasPrefix(domain, "#httponly_") {
		httpOnly = true
		domain = strings.TrimPrefix(domain, "#httponly_")
	}
	if strings.HasPrefix(domain, "#") {
		return nil
	}

	expire, _ := strconv.ParseInt(cookieParts[CookieExpiration], 10, 64)

	return &http.Cookie{
		Domain:   domain,
		Path:     cookieParts[CookiePath],
		Secure:   strings.ToLower(cookieParts[CookieSecure]) == "true",
		Expires:  time.Unix(expire, 0),
		Name:     cookieParts[CookieName],
		Value:    cookieParts[CookieValue],
		HttpOnly: httpOnly,
	}
}

func isTwitchDomain(domain string) bool {
	domain = strings.TrimPrefix(domain, ".")
	return domain == "twitch.tv" || strings.HasSuffix(domain, ".twitch.tv")
}
