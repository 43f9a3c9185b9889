// Generates the bcrypt hash for the dashboard admin password.
//
//	go run ./tools/generate_password_hash <password>
package main

import (
	"fmt"
	"log"
	"os"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: generate_password_hash <password>")
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(os.Args[1]), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	fmt.Println("Add this to your .env file:")
	fmt.Printf("ADMIN_PASSWORD_HASH=%s\n", string(hash))
	fmt.Println()
	fmt.Println("Keep the plaintext password out of version control.")
}
