// Package main is a development utility for seeding credentials into a local
// database without running the sign-up flow. It generates an access key pair
// or a model API key, prints the plaintext values once, and prints a
// ready-to-run SQL INSERT holding only the stored (hashed) forms.
//
// Usage:
//
//	keygen access-key <username> [name]
//	keygen model-key  <username> <model_name|*>
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/neurodeploy/platform/internal/auth"
	"github.com/neurodeploy/platform/internal/db/models"
)

const rule = "=========================================================="

func main() {
	if len(os.Args) < 3 {
		log.Fatalf("usage: %s <access-key|model-key> <username> [name|model_name]", os.Args[0])
	}
	username := os.Args[2]

	switch os.Args[1] {
	case "access-key":
		name := "default"
		if len(os.Args) > 3 {
			name = os.Args[3]
		}
		accessKey(username, name)
	case "model-key":
		model := "*"
		if len(os.Args) > 3 {
			model = os.Args[3]
		}
		modelKey(username, model)
	default:
		log.Fatalf("unknown kind: %s (must be access-key or model-key)", os.Args[1])
	}
}

func accessKey(username, name string) {
	access, secret := auth.GenerateAccessKeyPair()
	salt := auth.GenerateSalt()
	hash := auth.HashSecret(secret, salt)

	banner("Access Key Generated")
	fmt.Printf("\naccess-key: %s\nsecret-key: %s\n", access, secret)
	banner("SQL Insert")
	fmt.Printf(`
INSERT INTO credentials (username, name, kind, access_key, secret_hash, salt)
VALUES ('%[1]s', '%[2]s', '%[3]s', '%[4]s', '%[5]s', '%[6]s');
INSERT INTO credential_index (access_key, username, name)
VALUES ('%[4]s', '%[1]s', '%[2]s');
`, username, name, models.CredentialKindAccessKey, access, hash, salt)
}

func modelKey(username, model string) {
	key, hash, last8 := auth.GenerateModelAPIKey()

	banner("Model API Key Generated")
	fmt.Printf("\napi-key: %s\n", key)
	banner("SQL Insert")
	fmt.Printf(`
INSERT INTO model_api_keys (id, username, model_name, key_hash, last8)
VALUES ('%s', '%s', '%s', '%s', '%s');
`, uuid.New(), username, model, hash, last8)
}

func banner(title string) {
	fmt.Println(rule)
	fmt.Println(title)
	fmt.Println(rule)
}
