package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/onexay/gitstore/internal/types"
)

const (
	defaultAPI = "http://localhost:8080"
)

const usage = `usage: admin [flags] <command>

commands:
  provision   create the tenant repository
  commits     print the tenant's commit history
  tree        list tracked files (see -rev, -prefix)

flags:
`

func main() {
	api := flag.String("api", envDefault("GITSTORE_API", defaultAPI), "Base URL of the gitstore API")
	tenant := flag.String("tenant", "", "Tenant id (required)")
	token := flag.String("token", os.Getenv("GITSTORE_TOKEN"), "Bearer token for protected listings")
	rev := flag.String("rev", "", "Revision for tree listings (defaults to the tip)")
	prefix := flag.String("prefix", "", "Path prefix for tree listings")
	dumpJSON := flag.Bool("json", false, "Output JSON instead of table")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *tenant == "" || flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	c := &client{
		base:  strings.TrimRight(*api, "/"),
		token: *token,
		http:  &http.Client{Timeout: time.Minute},
	}

	var err error
	switch flag.Arg(0) {
	case "provision":
		err = c.provision(*tenant)
	case "commits":
		err = c.commits(*tenant, *dumpJSON)
	case "tree":
		err = c.tree(*tenant, *rev, *prefix, *dumpJSON)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) do(method, path string) (*http.Response, error) {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s failed: %s", method, path, resp.Status)
	}
	return resp, nil
}

func (c *client) provision(tenant string) error {
	resp, err := c.do(http.MethodPost, "/"+url.PathEscape(tenant))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusCreated {
		fmt.Printf("tenant %s created\n", tenant)
	} else {
		fmt.Printf("tenant %s already exists\n", tenant)
	}
	return nil
}

func (c *client) commits(tenant string, dumpJSON bool) error {
	resp, err := c.do(http.MethodGet, "/"+url.PathEscape(tenant)+"/commits")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if dumpJSON {
		_, err := io.Copy(os.Stdout, resp.Body)
		return err
	}

	var history types.History
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Commit\tDate\tAuthor\tMessage\n")
	for _, commit := range history.All {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			shortHash(commit.Hash), commit.Date.Format(time.RFC3339), commit.AuthorName, commit.Message)
	}
	_ = tw.Flush()
	fmt.Printf("%d commit(s)\n", history.Total)
	return nil
}

func (c *client) tree(tenant, rev, prefix string, dumpJSON bool) error {
	path := "/" + url.PathEscape(tenant) + "/ls-tree"
	if rev != "" || prefix != "" {
		if rev == "" {
			rev = "HEAD"
		}
		path += "/" + url.PathEscape(rev)
		if prefix = strings.Trim(prefix, "/"); prefix != "" {
			path += "/" + prefix
		}
	}

	resp, err := c.do(http.MethodGet, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if dumpJSON {
		_, err := io.Copy(os.Stdout, resp.Body)
		return err
	}

	var paths []string
	if err := json.NewDecoder(resp.Body).Decode(&paths); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
