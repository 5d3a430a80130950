// Command hash-password derives the PBKDF2 hash the edge server expects in
// COURSECHAT_EDGE_METRICS_PASSWORD_HASH.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"coursechat-edge/internal/proxy"
)

func main() {
	var password string
	flag.StringVar(&password, "password", "", "password to hash (read from stdin when omitted)")
	flag.Parse()

	if password == "" {
		fmt.Fprint(os.Stderr, "password: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			fatalf("read password: %v", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	hash, err := proxy.HashPassword(password)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Println(hash)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
