package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/harunnryd/speechbridge/pkg/negotiate"
	"github.com/harunnryd/speechbridge/pkg/protocol"
	wstransport "github.com/harunnryd/speechbridge/pkg/transports/websocket"
)

type options struct {
	url        string
	file       string
	codec      string
	sampleRate int
	language   string
	chunk      time.Duration
	wait       time.Duration
}

var opts options

var rootCmd = &cobra.Command{
	Use:          "speechclient --file audio.ulaw",
	Short:        "Stream a raw audio file to a speechbridge server and print the transcripts",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if opts.file == "" {
			return errors.New("--file is required")
		}
		return run(cmd.OutOrStdout(), opts)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.url, "url", "ws://127.0.0.1:9099/", "bridge websocket URL")
	f.StringVar(&opts.file, "file", "", "raw audio file in the chosen codec")
	f.StringVar(&opts.codec, "codec", "ulaw", "codec name sent in setup")
	f.IntVar(&opts.sampleRate, "sample-rate", 0, "sample rate; 0 uses the codec's nominal rate")
	f.StringVar(&opts.language, "language", "en-US", "language sent in setup")
	f.DurationVar(&opts.chunk, "chunk", 20*time.Millisecond, "audio chunk duration")
	f.DurationVar(&opts.wait, "wait", 3*time.Second, "how long to wait for trailing results")
}

type outbound struct {
	Request string            `json:"request"`
	ID      string            `json:"id"`
	Codecs  []negotiate.Codec `json:"codecs,omitempty"`
	Params  any               `json:"params"`
}

func run(out io.Writer, o options) error {
	rate := o.sampleRate
	if rate == 0 {
		rate = negotiate.DefaultSampleRate(o.codec)
	}
	if rate == 0 {
		return fmt.Errorf("unknown codec %q; pass --sample-rate", o.codec)
	}
	audio, err := os.ReadFile(o.file)
	if err != nil {
		return fmt.Errorf("read audio: %w", err)
	}

	dialer := gws.Dialer{
		HandshakeTimeout: 5 * time.Second,
		Subprotocols:     []string{wstransport.DefaultSubprotocol},
	}
	conn, resp, err := dialer.Dial(o.url, http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", o.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", o.url, err)
	}
	defer conn.Close()

	setupID := uuid.NewString()
	resultsID := uuid.NewString()
	inbound := make(chan protocol.Message, 16)
	readErr := make(chan error, 1)
	go func() {
		defer close(inbound)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			msg, err := protocol.Parse(data)
			if err != nil {
				fmt.Fprintf(out, "unparsable message: %s\n", data)
				continue
			}
			inbound <- msg
		}
	}()

	setup := outbound{
		Request: "setup",
		ID:      setupID,
		Codecs:  []negotiate.Codec{{Name: o.codec, SampleRate: rate}},
		Params:  map[string]string{"language": o.language},
	}
	if err := conn.WriteJSON(setup); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}
	if err := await(out, inbound, setupID, 5*time.Second); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	size := chunkBytes(o.codec, rate, o.chunk)
	ticker := time.NewTicker(o.chunk)
	defer ticker.Stop()
	for off := 0; off < len(audio); off += size {
		end := min(off+size, len(audio))
		if err := conn.WriteMessage(gws.BinaryMessage, audio[off:end]); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		drain(out, inbound)
		<-ticker.C
	}

	time.Sleep(o.wait)
	drain(out, inbound)
	get := outbound{Request: "get", ID: resultsID, Params: []string{"results"}}
	if err := conn.WriteJSON(get); err != nil {
		return fmt.Errorf("send get: %w", err)
	}
	if err := await(out, inbound, resultsID, 5*time.Second); err != nil {
		return fmt.Errorf("get results: %w", err)
	}
	_ = conn.WriteControl(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, ""), time.Now().Add(time.Second))
	select {
	case err := <-readErr:
		if gws.IsCloseError(err, gws.CloseNormalClosure) {
			return nil
		}
	case <-time.After(time.Second):
	}
	return nil
}

// await prints inbound messages until the response carrying id arrives.
func await(out io.Writer, inbound <-chan protocol.Message, id string, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		select {
		case msg, ok := <-inbound:
			if !ok {
				return errors.New("connection closed")
			}
			printMessage(out, msg)
			if msg.IsResponse() && idEquals(msg.ID, id) {
				if msg.ErrorMsg != "" {
					return errors.New(msg.ErrorMsg)
				}
				return nil
			}
		case <-deadline:
			return errors.New("timed out waiting for response")
		}
	}
}

func drain(out io.Writer, inbound <-chan protocol.Message) {
	for {
		select {
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			printMessage(out, msg)
		default:
			return
		}
	}
}

func printMessage(out io.Writer, msg protocol.Message) {
	kind := "response"
	verb := ""
	switch {
	case msg.Request != nil:
		kind, verb = "push", *msg.Request
	case msg.Response != nil:
		verb = *msg.Response
	}
	params := strings.TrimSpace(string(msg.Params))
	if msg.ErrorMsg != "" {
		fmt.Fprintf(out, "%s %s error: %s\n", kind, verb, msg.ErrorMsg)
		return
	}
	fmt.Fprintf(out, "%s %s %s\n", kind, verb, params)
}

func idEquals(raw json.RawMessage, id string) bool {
	var got string
	if err := json.Unmarshal(raw, &got); err != nil {
		return false
	}
	return got == id
}

// chunkBytes sizes one chunk of d at rate; 8-bit companded codecs use one
// byte per sample, everything else is treated as 16-bit linear.
func chunkBytes(codec string, rate int, d time.Duration) int {
	width := 2
	switch strings.ToLower(codec) {
	case "ulaw", "alaw":
		width = 1
	}
	n := int(int64(rate) * int64(d) / int64(time.Second) * int64(width))
	if n <= 0 {
		return width
	}
	return n
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
