package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	var (
		baseURL  = flag.String("addr", envOr("SALESLENS_SMOKE_ADDR", "http://localhost:8080"), "API base URL")
		username = flag.String("user", envOr("SALESLENS_SMOKE_USER", "alice"), "username")
		password = flag.String("password", envOr("SALESLENS_SMOKE_PASSWORD", "alice-pw"), "password")
		question = flag.String("q", "What is the total revenue by region?", "question to ask")
		explain  = flag.Bool("explain", false, "print the masked plan as well")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	base := strings.TrimRight(*baseURL, "/")
	client := &http.Client{Timeout: 80 * time.Second}

	var login struct {
		SessionToken string `json:"session_token"`
		User         struct {
			Username string `json:"username"`
			IsAdmin  bool   `json:"is_admin"`
			Regions  []struct {
				Code string `json:"region_code"`
			} `json:"regions"`
		} `json:"user"`
	}
	if err := call(ctx, client, base+"/api/auth/login", "", map[string]string{"username": *username, "password": *password}, &login); err != nil {
		log.Fatalf("login: %v", err)
	}
	codes := make([]string, 0, len(login.User.Regions))
	for _, r := range login.User.Regions {
		codes = append(codes, r.Code)
	}
	fmt.Printf("logged in as %s (admin=%v regions=%s)\n", login.User.Username, login.User.IsAdmin, strings.Join(codes, ","))

	var answer struct {
		RequestID    string   `json:"request_id"`
		Columns      []string `json:"columns"`
		Rows         [][]any  `json:"rows"`
		Truncated    bool     `json:"truncated"`
		Narrative    string   `json:"narrative"`
		DisplayedSQL string   `json:"displayed_sql"`
	}
	if err := call(ctx, client, base+"/api/query/ask", login.SessionToken, map[string]string{"question": *question}, &answer); err != nil {
		log.Fatalf("ask: %v", err)
	}

	fmt.Printf("request %s\n\n%s\n\n", answer.RequestID, answer.Narrative)
	fmt.Println(answer.DisplayedSQL)
	fmt.Println()
	fmt.Println(strings.Join(answer.Columns, "\t"))
	for _, row := range answer.Rows {
		cells := make([]string, len(row))
		for i, c := range row {
			cells[i] = fmt.Sprint(c)
		}
		fmt.Println(strings.Join(cells, "\t"))
	}
	if answer.Truncated {
		fmt.Println("(truncated)")
	}

	if *explain {
		var plan struct {
			Lines  []string `json:"plan"`
			Masked bool     `json:"masked"`
		}
		if err := call(ctx, client, base+"/api/query/explain", login.SessionToken, map[string]string{"question": *question}, &plan); err != nil {
			log.Fatalf("explain: %v", err)
		}
		fmt.Printf("\nplan (masked=%v):\n%s\n", plan.Masked, strings.Join(plan.Lines, "\n"))
	}

	if err := call(ctx, client, base+"/api/auth/logout", login.SessionToken, nil, nil); err != nil {
		log.Fatalf("logout: %v", err)
	}
	fmt.Println("\nsmoke query passed")
}

func call(ctx context.Context, client *http.Client, url, token string, body, out any) error {
	var payload io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
