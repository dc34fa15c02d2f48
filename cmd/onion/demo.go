package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/mandelsoft/vfs/pkg/vfs"

	"github.com/Jack4Code/onion"
)

// demoApp serves a handful of routes showing per-route middleware on top
// of a shared base chain.
type demoApp struct {
	chain     *onion.Chain
	fs        vfs.FileSystem
	uploadDir string
	jwtSecret string
	logger    *slog.Logger
}

var _ onion.ChainProvider = (*demoApp)(nil)

func (a *demoApp) OnStart(ctx context.Context) error {
	a.logger.Info("app starting", "middleware", a.chain.Len())
	return a.fs.MkdirAll(a.uploadDir, 0o755)
}

func (a *demoApp) OnStop(ctx context.Context) error {
	a.logger.Info("app gracefully shutting down")
	return nil
}

func (a *demoApp) Chain() *onion.Chain {
	return a.chain
}

func (a *demoApp) Routes() []onion.Route {
	return []onion.Route{
		{
			Method:  "GET",
			Path:    "/hello",
			Handler: a.helloHandler,
		},
		{
			Method:  "GET",
			Path:    "/error",
			Handler: a.errorHandler,
		},
		{
			Method:     "POST",
			Path:       "/user",
			Handler:    a.createUser,
			Middleware: []any{"throttle:ip"},
		},
		{
			Method:     "POST",
			Path:       "/uploadFile",
			Handler:    a.uploadDocumentHandler,
			Middleware: []any{"auth", "multipart:8"},
		},
		{
			Method:     "POST",
			Path:       "/token",
			Handler:    a.tokenHandler,
			Middleware: []any{onion.WithParam("basic", "onion")},
		},
		{
			Method:     "GET",
			Path:       "/me",
			Handler:    a.meHandler,
			Middleware: []any{"trace:me", "auth"},
		},
	}
}

func (a *demoApp) helloHandler(ctx context.Context, r *http.Request) onion.Response {
	return onion.JSON(200, map[string]string{"message": "Hello!"})
}

func (a *demoApp) errorHandler(ctx context.Context, r *http.Request) onion.Response {
	return onion.Error("Something went wrong")
}

type User struct {
	Firstname string
	Lastname  string
	Email     string
}

func (a *demoApp) createUser(ctx context.Context, r *http.Request) onion.Response {
	var user User
	if err := onion.DecodeJSON(r, &user); err != nil {
		return onion.JSON(400, "Invalid JSON")
	}

	return onion.JSON(201, user)
}

// tokenHandler trades basic credentials for a JWT.
func (a *demoApp) tokenHandler(ctx context.Context, r *http.Request) onion.Response {
	userID, _ := onion.GetUserID(ctx)
	token, err := onion.GenerateJWT(userID, a.jwtSecret, 24*time.Hour)
	if err != nil {
		return onion.Error(map[string]string{"error": "failed to generate token"})
	}
	return onion.JSON(200, map[string]string{"token": token})
}

func (a *demoApp) meHandler(ctx context.Context, r *http.Request) onion.Response {
	userID, _ := onion.GetUserID(ctx)
	requestID, _ := onion.GetRequestID(ctx)
	return onion.JSON(200, map[string]string{"user": userID, "request_id": requestID})
}

func (a *demoApp) uploadDocumentHandler(ctx context.Context, r *http.Request) onion.Response {
	uploadedFile, err := onion.GetUploadedFile(r, "document")
	if err != nil {
		return onion.JSON(400, "No file uploaded")
	}
	defer uploadedFile.Close()

	path := filepath.Join(a.uploadDir, filepath.Base(uploadedFile.Filename))
	dst, err := a.fs.Create(path)
	if err != nil {
		return onion.JSON(500, "Failed to create file")
	}
	defer dst.Close()

	if _, err := io.Copy(dst, uploadedFile.File); err != nil {
		return onion.JSON(500, "Failed to save file")
	}

	return onion.JSON(200, map[string]any{
		"filename": uploadedFile.Filename,
		"path":     path,
	})
}
