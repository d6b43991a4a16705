package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"blockswap/api/rest"
)

// apiClient talks to a running daemon.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *apiClient) checkConnection() error {
	resp, err := c.http.Get(c.base + "/health")
	if err != nil {
		return errors.Wrapf(err, "failed to connect to API at %s", c.base)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("API health check failed, status: %d", resp.StatusCode)
	}
	return nil
}

// apiError turns a non-success response into an error carrying the
// server's message.
func apiError(resp *http.Response) error {
	var e rest.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Message != "" {
		return errors.Newf("%s (status %d)", e.Message, resp.StatusCode)
	}
	return errors.Newf("request failed with status %d", resp.StatusCode)
}

// addFile uploads a file as a chunked manifest. A positive parity asks for
// that many parity chunks per stripe.
func (c *apiClient) addFile(path string, parity int) (*rest.UploadResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open file")
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create form file")
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, errors.Wrap(err, "failed to copy file data")
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	target := "/files"
	if parity > 0 {
		target += "?parity=" + strconv.Itoa(parity)
	}
	return c.upload(target, mw.FormDataContentType(), &buf)
}

// addBlock uploads data as a single raw block.
func (c *apiClient) addBlock(data []byte) (*rest.UploadResponse, error) {
	return c.upload("/blocks", "application/octet-stream", bytes.NewReader(data))
}

func (c *apiClient) upload(path, contentType string, body io.Reader) (*rest.UploadResponse, error) {
	resp, err := c.http.Post(c.base+path, contentType, body)
	if err != nil {
		return nil, errors.Wrap(err, "upload failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var out rest.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "failed to parse response")
	}
	return &out, nil
}

type getOptions struct {
	block    bool
	priority string
	timeout  time.Duration
}

// get streams a file or block to w.
func (c *apiClient) get(id string, opts getOptions, w io.Writer) (int64, error) {
	kind := "/files/"
	if opts.block {
		kind = "/blocks/"
	}
	q := url.Values{}
	if opts.priority != "" {
		q.Set("priority", opts.priority)
	}
	if opts.timeout > 0 {
		q.Set("timeout", opts.timeout.String())
	}
	u := c.base + kind + url.PathEscape(id)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	resp, err := c.http.Get(u)
	if err != nil {
		return 0, errors.Wrap(err, "download failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, apiError(resp)
	}
	n, err := io.Copy(w, resp.Body)
	return n, errors.Wrap(err, "failed to read content")
}

func (c *apiClient) cancel(id string) error {
	req, err := http.NewRequest(http.MethodDelete, c.base+"/wants/"+url.PathEscape(id), nil)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "cancel failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}
	return nil
}

// getJSON copies an indented JSON document from path to w.
func (c *apiClient) getJSON(path string, w io.Writer) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return errors.Wrapf(err, "GET %s failed", path)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	var doc json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return errors.Wrap(err, "failed to parse response")
	}
	var out bytes.Buffer
	if err := json.Indent(&out, doc, "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(w)
	return err
}

var addCmd = &cobra.Command{
	Use:   "add <file>",
	Short: "Add a file to the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(apiURL)
		if err := c.checkConnection(); err != nil {
			return err
		}
		asBlock, _ := cmd.Flags().GetBool("block")

		var (
			res *rest.UploadResponse
			err error
		)
		if asBlock {
			data, rerr := os.ReadFile(args[0])
			if rerr != nil {
				return errors.Wrap(rerr, "failed to read file")
			}
			res, err = c.addBlock(data)
		} else {
			parity, _ := cmd.Flags().GetInt("parity")
			res, err = c.addFile(args[0], parity)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "✅ Added: %s\n", res.CID)
		fmt.Fprintf(out, "   Size: %d bytes\n", res.Size)
		if len(res.Chunks) > 0 {
			fmt.Fprintf(out, "   Chunks: %d\n", len(res.Chunks))
		}
		if res.Parity > 0 {
			fmt.Fprintf(out, "   Parity: %d per stripe\n", res.Parity)
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <cid>",
	Short: "Fetch a file or block, from the network if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(apiURL)
		var opts getOptions
		opts.block, _ = cmd.Flags().GetBool("block")
		opts.priority, _ = cmd.Flags().GetString("priority")
		opts.timeout, _ = cmd.Flags().GetDuration("timeout")
		output, _ := cmd.Flags().GetString("output")

		w := cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return errors.Wrap(err, "failed to create output file")
			}
			defer f.Close()
			w = f
		}
		n, err := c.get(args[0], opts, w)
		if err != nil {
			if output != "" {
				_ = os.Remove(output)
			}
			return err
		}
		if output != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "✅ Wrote %d bytes to %s\n", n, output)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show exchange and network statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newAPIClient(apiURL).getJSON("/stats", cmd.OutOrStdout())
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List connected exchange peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/peers"
		if all, _ := cmd.Flags().GetBool("all"); all {
			path = "/peers/registry"
		}
		return newAPIClient(apiURL).getJSON(path, cmd.OutOrStdout())
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <cid>",
	Short: "Cancel a pending block request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient(apiURL).cancel(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Canceled %s\n", args[0])
		return nil
	},
}

func init() {
	addCmd.Flags().Bool("block", false, "Store the file as one raw block instead of chunking it")
	addCmd.Flags().Int("parity", 0, "Reed-Solomon parity chunks per stripe of ten chunks")

	getCmd.Flags().Bool("block", false, "Fetch a single raw block instead of a file manifest")
	getCmd.Flags().String("priority", "", "Request priority (low, normal, high, urgent)")
	getCmd.Flags().Duration("timeout", 0, "Give up after this long")
	getCmd.Flags().StringP("output", "o", "", "Write to a file instead of stdout")

	peersCmd.Flags().Bool("all", false, "Include every known peer, not only connected ones")
}
