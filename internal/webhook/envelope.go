package webhook

import (
	"strconv"
	"time"

	"github.com/driftdesk/driftdesk/pkg/errors"
	"github.com/driftdesk/driftdesk/pkg/json"
)

// InboundMessage is one platform message normalized for materialization.
type InboundMessage struct {
	PlatformChannelID string
	PlatformUserID    string
	PlatformMessageID string
	Kind              string
	Text              string
	ContactName       string
	SentAt            time.Time
}

// StatusUpdate is one delivery receipt normalized for materialization.
// Id-addressed receipts fill PlatformMessageID; watermark receipts leave
// it empty and fill Watermark plus the reporting user instead.
type StatusUpdate struct {
	PlatformChannelID string
	PlatformMessageID string
	PlatformUserID    string
	Status            string
	Detail            string
	Watermark         time.Time
}

// Intake is everything one webhook POST carries after routing.
type Intake struct {
	Object   string
	Messages []InboundMessage
	Statuses []StatusUpdate
}

// Empty reports whether nothing materializable was found.
func (i *Intake) Empty() bool {
	return len(i.Messages) == 0 && len(i.Statuses) == 0
}

// PrimaryChannelID returns the first platform channel id present, which
// anchors channel resolution and signature verification for the POST.
func (i *Intake) PrimaryChannelID() string {
	for _, m := range i.Messages {
		if m.PlatformChannelID != "" {
			return m.PlatformChannelID
		}
	}
	for _, s := range i.Statuses {
		if s.PlatformChannelID != "" {
			return s.PlatformChannelID
		}
	}
	return ""
}

// Wire shape for WhatsApp-Cloud-style envelopes.
type waEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string  `json:"field"`
			Value waValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type waValue struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []struct {
		From      string `json:"from"`
		ID        string `json:"id"`
		Timestamp string `json:"timestamp"`
		Type      string `json:"type"`
		Text      struct {
			Body string `json:"body"`
		} `json:"text"`
	} `json:"messages"`
	Statuses []struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		Timestamp   string `json:"timestamp"`
		RecipientID string `json:"recipient_id"`
		Errors      []struct {
			Title string `json:"title"`
		} `json:"errors"`
	} `json:"statuses"`
}

// Wire shape for Meta-page-style envelopes.
type pageEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string `json:"id"`
		Time      int64  `json:"time"`
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Recipient struct {
				ID string `json:"id"`
			} `json:"recipient"`
			Timestamp int64 `json:"timestamp"`
			Message   *struct {
				Mid         string `json:"mid"`
				Text        string `json:"text"`
				IsEcho      bool   `json:"is_echo"`
				Attachments []struct {
					Type string `json:"type"`
				} `json:"attachments"`
			} `json:"message"`
			Delivery *struct {
				Mids      []string `json:"mids"`
				Watermark int64    `json:"watermark"`
			} `json:"delivery"`
			Read *struct {
				Watermark int64 `json:"watermark"`
			} `json:"read"`
		} `json:"messaging"`
	} `json:"entry"`
}

// ParseEnvelope sniffs the envelope family by its object field and
// normalizes it. Bodies that fit neither family return ErrUnroutableEvent
// carrying only the object type, never payload content.
func ParseEnvelope(body []byte) (*Intake, error) {
	var probe struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, errors.Wrap(errors.ErrUnroutableEvent, "undecodable body")
	}

	switch probe.Object {
	case "whatsapp_business_account":
		return parseWhatsApp(body)
	case "page":
		return parsePage(body)
	default:
		return nil, errors.Wrap(errors.ErrUnroutableEvent, "object "+probe.Object)
	}
}

func parseWhatsApp(body []byte) (*Intake, error) {
	var env waEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Wrap(errors.ErrUnroutableEvent, "malformed whatsapp envelope")
	}

	intake := &Intake{Object: env.Object}
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			value := change.Value
			names := make(map[string]string, len(value.Contacts))
			for _, c := range value.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for _, m := range value.Messages {
				intake.Messages = append(intake.Messages, InboundMessage{
					PlatformChannelID: value.Metadata.PhoneNumberID,
					PlatformUserID:    m.From,
					PlatformMessageID: m.ID,
					Kind:              m.Type,
					Text:              m.Text.Body,
					ContactName:       names[m.From],
					SentAt:            unixSeconds(m.Timestamp),
				})
			}

			for _, st := range value.Statuses {
				detail := ""
				if len(st.Errors) > 0 {
					detail = st.Errors[0].Title
				}
				intake.Statuses = append(intake.Statuses, StatusUpdate{
					PlatformChannelID: value.Metadata.PhoneNumberID,
					PlatformMessageID: st.ID,
					PlatformUserID:    st.RecipientID,
					Status:            st.Status,
					Detail:            detail,
				})
			}
		}
	}
	return intake, nil
}

func parsePage(body []byte) (*Intake, error) {
	var env pageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Wrap(errors.ErrUnroutableEvent, "malformed page envelope")
	}

	intake := &Intake{Object: env.Object}
	for _, entry := range env.Entry {
		for _, m := range entry.Messaging {
			switch {
			case m.Message != nil:
				if m.Message.IsEcho {
					continue
				}
				kind := "text"
				if m.Message.Text == "" && len(m.Message.Attachments) > 0 {
					kind = m.Message.Attachments[0].Type
				}
				intake.Messages = append(intake.Messages, InboundMessage{
					PlatformChannelID: entry.ID,
					PlatformUserID:    m.Sender.ID,
					PlatformMessageID: m.Message.Mid,
					Kind:              kind,
					Text:              m.Message.Text,
					SentAt:            unixMillis(m.Timestamp),
				})

			case m.Delivery != nil:
				if len(m.Delivery.Mids) == 0 {
					intake.Statuses = append(intake.Statuses, StatusUpdate{
						PlatformChannelID: entry.ID,
						PlatformUserID:    m.Sender.ID,
						Status:            "delivered",
						Watermark:         unixMillis(m.Delivery.Watermark),
					})
					continue
				}
				for _, mid := range m.Delivery.Mids {
					intake.Statuses = append(intake.Statuses, StatusUpdate{
						PlatformChannelID: entry.ID,
						PlatformMessageID: mid,
						PlatformUserID:    m.Sender.ID,
						Status:            "delivered",
					})
				}

			case m.Read != nil:
				intake.Statuses = append(intake.Statuses, StatusUpdate{
					PlatformChannelID: entry.ID,
					PlatformUserID:    m.Sender.ID,
					Status:            "read",
					Watermark:         unixMillis(m.Read.Watermark),
				})
			}
		}
	}
	return intake, nil
}

func unixSeconds(s string) time.Time {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return time.Unix(n, 0).UTC()
	}
	return time.Now().UTC()
}

func unixMillis(n int64) time.Time {
	if n > 0 {
		return time.UnixMilli(n).UTC()
	}
	return time.Now().UTC()
}
