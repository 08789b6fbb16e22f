package handler

import (
	"net/http"

	"github.com/schoolhub/messaging-server-go/internal/httputil"
)

func writeData(w http.ResponseWriter, status int, data any) {
	httputil.WriteData(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}
