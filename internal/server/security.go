package server

import "net/http"

const (
	defaultContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'"
	defaultFrameOptions          = "DENY"
	defaultReferrerPolicy        = "no-referrer"
	defaultContentTypeOptions    = "nosniff"
	// Media is fetched by players on other origins.
	defaultResourcePolicy = "cross-origin"
)

// SecurityConfig controls the hardening headers added to every response.
// Zero-valued fields fall back to defaults suited to a JSON and media API.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	ContentTypeOptions    string
	ResourcePolicy        string
	// HSTSMaxAge enables Strict-Transport-Security on TLS requests when set.
	HSTSMaxAge string
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaultFrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaultReferrerPolicy
	}
	if cfg.ContentTypeOptions == "" {
		cfg.ContentTypeOptions = defaultContentTypeOptions
	}
	if cfg.ResourcePolicy == "" {
		cfg.ResourcePolicy = defaultResourcePolicy
	}
	return cfg
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Content-Security-Policy", effective.ContentSecurityPolicy)
		header.Set("X-Frame-Options", effective.FrameOptions)
		header.Set("X-Content-Type-Options", effective.ContentTypeOptions)
		header.Set("Referrer-Policy", effective.ReferrerPolicy)
		header.Set("Cross-Origin-Resource-Policy", effective.ResourcePolicy)
		if r.TLS != nil && effective.HSTSMaxAge != "" {
			header.Set("Strict-Transport-Security", "max-age="+effective.HSTSMaxAge)
		}

		next.ServeHTTP(w, r)
	})
}
