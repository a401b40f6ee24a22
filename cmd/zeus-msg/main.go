// zeus-msg is the one-shot send tool: it enqueues an envelope for the
// dispatcher and exits. It works whether or not zeusd is running; a later
// daemon start drains whatever was queued.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/zeus/config"
	"github.com/hazyhaar/zeus/fstore"
	"github.com/hazyhaar/zeus/queue"
)

var (
	flagTo      string
	flagText    string
	flagStdin   bool
	flagFile    string
	flagFrom    string
	flagMode    string
	flagWait    bool
	flagTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "zeus-msg",
	Short: "Send messages over the Zeus agent bus",
	Long: `Send durable messages between agents through the Zeus bus.

Examples:
  # Steer a named agent
  zeus-msg send --to name:bob --text "status?"

  # Queue a follow-up for the whole phalanx, payload from stdin
  echo "new orders" | zeus-msg send --to phalanx --stdin --mode queue

  # Send a prepared payload file and wait for delivery
  zeus-msg send --to agent:h1 --file /tmp/zeus/messages/briefing.txt --wait-delivery`,
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Enqueue one message",
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().StringVar(&flagTo, "to", "", "target: polemarch, phalanx, agent:<id>, hoplite:<id>, name:<display>, or a display name (required)")
	sendCmd.Flags().StringVar(&flagText, "text", "", "message text")
	sendCmd.Flags().BoolVar(&flagStdin, "stdin", false, "read message text from stdin")
	sendCmd.Flags().StringVar(&flagFile, "file", "", "read message text from a file under the message tmp dir")
	sendCmd.Flags().StringVar(&flagFrom, "from", "", "sender label override (default: ZEUS_AGENT_NAME or ZEUS_AGENT_ID)")
	sendCmd.Flags().StringVar(&flagMode, "mode", "send", "delivery mode: send (steer now) or queue (follow up)")
	sendCmd.Flags().BoolVar(&flagWait, "wait-delivery", false, "block until the dispatcher has delivered to every recipient")
	sendCmd.Flags().DurationVar(&flagTimeout, "timeout", 60*time.Second, "wait deadline with --wait-delivery")
	sendCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(sendCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "zeus-msg:", err)
		os.Exit(1)
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	agentID, err := requireAgentID()
	if err != nil {
		return err
	}

	text, err := payload(cfg)
	if err != nil {
		return err
	}

	deliverAs := queue.DeliverSteer
	switch flagMode {
	case "send":
	case "queue":
		deliverAs = queue.DeliverFollowUp
	default:
		return fmt.Errorf("unknown mode %q (want send or queue)", flagMode)
	}

	q := queue.New(cfg.QueueDir)
	id, err := q.Enqueue(queue.Request{
		SourceAgentID:   agentID,
		SourceName:      senderLabel(),
		SourceRole:      os.Getenv(config.EnvRole),
		SourceParentID:  os.Getenv(config.EnvParentID),
		SourcePhalanxID: os.Getenv(config.EnvPhalanxID),
		Target:          flagTo,
		Message:         text,
		DeliverAs:       deliverAs,
	})
	if err != nil {
		return err
	}
	fmt.Printf("ZEUS_MSG_ENQUEUED=%s\n", id)

	if flagWait {
		return waitDelivered(q, id, flagTimeout)
	}
	return nil
}

// payload resolves the message text from exactly one of --text, --stdin,
// --file.
func payload(cfg *config.Config) (string, error) {
	sources := 0
	for _, set := range []bool{flagText != "", flagStdin, flagFile != ""} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return "", errors.New("exactly one of --text, --stdin, --file is required")
	}

	switch {
	case flagText != "":
		return flagText, nil
	case flagStdin:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	default:
		path, err := sandboxedPath(cfg.MessageTmpDir, flagFile)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// sandboxedPath confines --file reads to the message tmp dir so a scripted
// sender cannot be tricked into exfiltrating arbitrary files.
func sandboxedPath(root, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("--file must live under %s", rootAbs)
	}
	return abs, nil
}

// requireAgentID reads the sender's bus identity. Without it the envelope
// would be unattributable and polemarch routing impossible.
func requireAgentID() (string, error) {
	id := strings.TrimSpace(os.Getenv(config.EnvAgentID))
	if id == "" {
		return "", fmt.Errorf("%s must be set to send", config.EnvAgentID)
	}
	return id, nil
}

func senderLabel() string {
	if flagFrom != "" {
		return flagFrom
	}
	if name := os.Getenv(config.EnvAgentName); name != "" {
		return name
	}
	return os.Getenv(config.EnvAgentID)
}

// waitDelivered polls until the envelope has left both new/ and inflight/,
// which the dispatcher only does once every recipient has a receipt.
func waitDelivered(q *queue.Queue, id string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !fstore.Exists(q.NewPath(id)) && !fstore.Exists(q.InflightPath(id)) {
			fmt.Printf("ZEUS_MSG_DELIVERED=%s\n", id)
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("message %s not delivered within %s", id, timeout)
}
