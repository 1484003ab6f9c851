// Minimal llama-server stand-in for supervisor integration tests. Serves the
// health and tokenize endpoints the gateway probes, then idles until killed.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

func main() {
	port := flag.Int("port", 0, "listen port")
	startupDelay := flag.Duration("startup-delay", 0, "delay before the health endpoint answers")
	flag.Parse()
	if *port == 0 {
		fmt.Fprintln(os.Stderr, "missing -port")
		os.Exit(2)
	}
	ready := time.Now().Add(*startupDelay)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if time.Now().Before(ready) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": []any{}})
	})
	mux.HandleFunc("/tokenize", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"tokens": []int{1, 2, 3}})
	})
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "cmpl-fake", "choices": []any{}})
	})

	fmt.Printf("fake llama-server listening on %d\n", *port)
	if err := http.ListenAndServe(fmt.Sprintf("127.0.0.1:%d", *port), mux); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
