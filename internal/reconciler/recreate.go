package reconciler

import (
	"fmt"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/transferfleet/afd/internal/message"
)

// recreateGroup collapses concurrent RecreateMessage calls for the same
// job-id into one rebuild, the way a debounced fsnotify trigger and the
// periodic DIR_CHECK_TIME tick can otherwise race each other onto the
// same row.
var recreateGroup singleflight.Group

// RecreateMessage rebuilds `fifodir/messages/<job_id>` from JID's recipient
// URL and options string when the sweep finds a QB row with no backing
// message file. The options string JID holds is the same line-per-option
// body a message file's `[options]` section carries, so splitting it on
// newlines and re-parsing through the normal option grammar keeps this in
// sync with whatever the FD itself understands.
func (r *Reconciler) RecreateMessage(jobID uint32) error {
	_, err, _ := recreateGroup.Do(fmt.Sprint(jobID), func() (interface{}, error) {
		return nil, r.recreateMessageOnce(jobID)
	})
	return err
}

func (r *Reconciler) recreateMessageOnce(jobID uint32) error {
	jidPos := r.JID.Find(jobID)
	if jidPos < 0 {
		return errJobNotInJID(jobID)
	}
	recipientURL, options, _ := r.JID.Get(jidPos)

	body := "[destination]\n" + recipientURL + "\n"
	if strings.TrimSpace(options) != "" {
		body += "[options]\n" + options + "\n"
	}
	msg, err := message.ParseString(body)
	if err != nil {
		return fmt.Errorf("reconciler: recreate_msg %d: %w", jobID, err)
	}

	path := r.msgPath(jobID)
	if err := msg.WriteFile(path); err != nil {
		return fmt.Errorf("reconciler: recreate_msg %d: %w", jobID, err)
	}
	r.Logger.Info().Uint32("job_id", jobID).Str("path", path).Msg("recreated message file from JID")
	return nil
}
