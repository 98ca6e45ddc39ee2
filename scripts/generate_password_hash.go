//go:build ignore

package main

import (
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run scripts/generate_password_hash.go <password>")
		fmt.Println("Example: go run scripts/generate_password_hash.go @abcd4321")
		os.Exit(1)
	}

	password := os.Args[1]
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		fmt.Printf("Error generating hash: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Hash: %s\n", string(hash))
	fmt.Println("\nAdd this line to .env and drop AUTH_PASSWORD:")
	fmt.Printf("AUTH_PASSWORD_HASH='%s'\n", string(hash))
}
