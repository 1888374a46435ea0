package main

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"signflow/envelope"
	"signflow/token"
)

var signPage = template.Must(template.New("sign").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{if .Error}}Signing link unavailable{{else}}Review and sign{{end}}</title>
<style>
body{font-family:system-ui,sans-serif;max-width:40rem;margin:2rem auto;padding:0 1rem;color:#222}
.status{display:inline-block;padding:.1rem .5rem;border-radius:.25rem;background:#eee;font-size:.85rem}
form{margin-top:1.5rem}
</style>
</head>
<body>
{{if .Error}}
<h1>Signing link unavailable</h1>
<p>{{.Error}}</p>
{{else}}
<h1>Hello{{with .Signer.Name}} {{.}}{{end}}</h1>
<p>Envelope status: <span class="status" id="document-status">{{.Status}}</span></p>
<h2>Documents</h2>
<ul>
{{range .Files}}<li><a href="{{.PublicURL}}" target="_blank" rel="noopener">{{.Filename}}</a></li>
{{end}}</ul>
{{if .Voided}}
<p>This envelope has been voided. No further action is possible.</p>
{{else if .Completed}}
<p>You have already signed. Thank you.</p>
{{else}}
<form method="post" action="/envelopes/{{.Token}}/complete" enctype="multipart/form-data">
<label>Signed PDF <input type="file" name="file" accept="application/pdf" required></label>
<button type="submit">Submit signed document</button>
</form>
<form method="post" action="/envelopes/{{.Token}}/cancel">
<button type="submit">Decline and void envelope</button>
</form>
{{end}}
<script>
fetch("/envelopes/by-token/" + encodeURIComponent({{.Token}}))
  .then(function (r) { return r.ok ? r.json() : null; })
  .then(function (body) { if (body) { document.getElementById("document-status").textContent = body.documentStatus; } });
</script>
{{end}}
</body>
</html>
`))

type signPageData struct {
	Token     string
	Signer    envelope.Signer
	Status    envelope.Status
	Files     []envelope.File
	Voided    bool
	Completed bool
	Error     string
}

// handleSigningPage renders the page a signer lands on from their email.
// Opening the page itself is read-only; the embedded script records delivery.
func (s *Server) handleSigningPage(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "token")
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		msg := "This signing link is invalid."
		if errors.Is(err, token.ErrExpired) {
			msg = "This signing link has expired. Ask the sender for a new one."
		}
		s.renderSignPage(w, http.StatusUnauthorized, signPageData{Error: msg})
		return
	}

	env, err := s.envelopes.Get(r.Context(), claims.EnvelopeID)
	if err != nil {
		if errors.Is(err, envelope.ErrNotFound) {
			s.renderSignPage(w, http.StatusNotFound, signPageData{Error: "This envelope no longer exists."})
			return
		}
		s.logger().ErrorContext(r.Context(), "sign_page_failed", slog.String("err", err.Error()))
		s.renderSignPage(w, http.StatusInternalServerError, signPageData{Error: "Something went wrong. Try again later."})
		return
	}
	idx, err := envelope.ResolveSigner(env, claims.Index, claims.Email)
	if err != nil {
		s.renderSignPage(w, http.StatusBadRequest, signPageData{Error: "This signing link does not match any signer."})
		return
	}

	signer := env.Signers[idx]
	s.renderSignPage(w, http.StatusOK, signPageData{
		Token:     raw,
		Signer:    signer,
		Status:    env.Status,
		Files:     env.Files,
		Voided:    env.Status == envelope.StatusVoided,
		Completed: signer.Status == envelope.StatusCompleted,
	})
}

func (s *Server) renderSignPage(w http.ResponseWriter, status int, data signPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.WriteHeader(status)
	if err := signPage.Execute(w, data); err != nil {
		s.logger().Error("sign_page_render_failed", slog.String("err", err.Error()))
	}
}
