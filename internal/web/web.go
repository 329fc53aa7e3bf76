// Package web serves the embedded browser client.
package web

import (
	"embed"
	"net/http"
)

//go:embed static/*.html
var static embed.FS

// LoginPage serves the sign-in and registration form.
func LoginPage(w http.ResponseWriter, r *http.Request) {
	http.ServeFileFS(w, r, static, "static/login.html")
}

// ChatPage serves the chat client. It authenticates itself over the
// websocket with the token stored by the login page.
func ChatPage(w http.ResponseWriter, r *http.Request) {
	http.ServeFileFS(w, r, static, "static/chat.html")
}
