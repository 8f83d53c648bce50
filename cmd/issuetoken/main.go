// Command issuetoken mints access tokens for local development and manual
// testing of the API.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"qrattend/internal/auth"
	"qrattend/internal/config"
)

func main() {
	var id auth.Identity
	flag.StringVar(&id.UserID, "sub", "", "user id (required)")
	flag.StringVar(&id.Role, "role", auth.RoleStudent, "student, teacher or admin")
	flag.StringVar(&id.Name, "name", "", "display name")
	flag.StringVar(&id.Email, "email", "", "email address")
	flag.StringVar(&id.StudentNumber, "number", "", "student number")
	flag.StringVar(&id.Department, "department", "", "student department")
	flag.StringVar(&id.Batch, "batch", "", "student batch")
	flag.StringVar(&id.Section, "section", "", "student section")
	flag.Parse()

	switch id.Role {
	case auth.RoleStudent, auth.RoleTeacher, auth.RoleAdmin:
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q\n", id.Role)
		os.Exit(2)
	}
	if id.UserID == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Load()
	pair, err := auth.Issue(id, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "issue failed:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]any{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_at":    pair.AccessExp.Unix(),
	})
}
