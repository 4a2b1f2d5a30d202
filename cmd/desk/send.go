package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zulandar/casedesk/internal/models"
	"github.com/zulandar/casedesk/internal/session"
	"github.com/zulandar/casedesk/internal/timeline"
)

// confirmWait bounds how long send waits for the channel echo when the
// backend does not return the stored message.
const confirmWait = 10 * time.Second

func newSendCmd(a *app) *cobra.Command {
	var (
		configPath string
		file       string
	)

	cmd := &cobra.Command{
		Use:   "send <case-id> [text]",
		Short: "Send a message to a case",
		Long: "Opens the case like the console does and sends one message. With --file the\n" +
			"attachment is sent and the text becomes its caption.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			caseID, err := parseCaseID(args[0])
			if err != nil {
				return err
			}
			var text string
			if len(args) == 2 {
				text = args[1]
			}
			d, err := buildDraft(text, file)
			if err != nil {
				return err
			}
			return runSend(cmd, a.logger(), configPath, caseID, d)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&file, "file", "f", "", "attach this file (image, audio or document)")
	return cmd
}

// buildDraft turns command input into a draft. Attachments are typed by
// their MIME type.
func buildDraft(text, file string) (timeline.Draft, error) {
	if file == "" {
		if strings.TrimSpace(text) == "" {
			return timeline.Draft{}, fmt.Errorf("message text is required without --file")
		}
		return timeline.Draft{MessageType: models.MessageText, Text: text}, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return timeline.Draft{}, fmt.Errorf("read attachment: %w", err)
	}
	mt := mime.TypeByExtension(filepath.Ext(file))
	if mt == "" {
		mt = http.DetectContentType(data)
	}
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return timeline.Draft{
		MessageType:   messageTypeFor(mt),
		Text:          text,
		MimeType:      mt,
		FileName:      filepath.Base(file),
		Base64Content: base64.StdEncoding.EncodeToString(data),
	}, nil
}

func messageTypeFor(mimeType string) models.MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return models.MessageImage
	case strings.HasPrefix(mimeType, "audio/"):
		return models.MessageAudio
	}
	return models.MessageFile
}

func runSend(cmd *cobra.Command, log *zap.Logger, configPath string, caseID int64, d timeline.Draft) error {
	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	c, err := newConsole(cfg, log, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.sess.Start(ctx, cfg.AgentID); err != nil {
		return err
	}
	if err := c.sess.SelectCase(ctx, caseID); err != nil {
		return err
	}
	msg, err := c.sess.Send(ctx, d)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if msg.ID == 0 && !awaitConfirm(c.sess, msg.ChannelMessageID, confirmWait) {
		fmt.Fprintf(out, "Sent to case %d, not yet confirmed (%s)\n", caseID, msg.ChannelMessageID)
		return nil
	}
	if msg.ID == 0 {
		msg = lastAgentMessage(c.sess.Messages())
	}
	fmt.Fprintf(out, "Sent message %d to case %d\n", msg.ID, caseID)
	return nil
}

// awaitConfirm polls until the pending row tmpID has been replaced.
func awaitConfirm(sess *session.Session, tmpID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !hasPending(sess.Messages(), tmpID) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func hasPending(msgs []models.Message, tmpID string) bool {
	for _, m := range msgs {
		if m.ChannelMessageID == tmpID {
			return true
		}
	}
	return false
}

func lastAgentMessage(msgs []models.Message) models.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SenderType == models.SenderAgent && msgs[i].ID != 0 {
			return msgs[i]
		}
	}
	return models.Message{}
}
