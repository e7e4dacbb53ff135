package google

import (
	"time"

	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/busysync/internal/provider"
)

const dateLayout = "2006-01-02"

func toRaw(ev *calendar.Event) provider.RawEvent {
	raw := provider.RawEvent{
		ID:          ev.Id,
		Status:      ev.Status,
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       toTime(ev.Start),
		End:         toTime(ev.End),
	}
	for _, a := range ev.Attendees {
		if a == nil {
			continue
		}
		raw.Attendees = append(raw.Attendees, provider.Attendee{
			Email:          a.Email,
			Self:           a.Self,
			ResponseStatus: a.ResponseStatus,
		})
	}
	if ev.ExtendedProperties != nil {
		raw.Tag = ev.ExtendedProperties.Private[TagProperty]
	}
	return raw
}

func toTime(dt *calendar.EventDateTime) provider.EventTime {
	if dt == nil {
		return provider.EventTime{}
	}
	return provider.EventTime{DateTime: dt.DateTime, Date: dt.Date, TimeZone: dt.TimeZone}
}

func fromTime(t time.Time, allDay bool) *calendar.EventDateTime {
	if allDay {
		return &calendar.EventDateTime{Date: t.UTC().Format(dateLayout)}
	}
	return &calendar.EventDateTime{DateTime: t.UTC().Format(time.RFC3339), TimeZone: "UTC"}
}

func fromInput(in provider.EventInput) *calendar.Event {
	ev := &calendar.Event{
		Summary:      in.Title,
		Description:  in.Description,
		Start:        fromTime(in.Start, in.AllDay),
		End:          fromTime(in.End, in.AllDay),
		Transparency: "opaque",
		Visibility:   "private",
		Reminders: &calendar.EventReminders{
			UseDefault:      false,
			ForceSendFields: []string{"UseDefault"},
		},
		ForceSendFields: []string{"Description"},
	}
	if in.Tag != "" {
		ev.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{TagProperty: in.Tag},
		}
	}
	return ev
}

func fromFields(f provider.EventFields) *calendar.Event {
	ev := &calendar.Event{}
	allDay := f.AllDay != nil && *f.AllDay
	if f.Title != nil {
		ev.Summary = *f.Title
		ev.ForceSendFields = append(ev.ForceSendFields, "Summary")
	}
	if f.Description != nil {
		ev.Description = *f.Description
		ev.ForceSendFields = append(ev.ForceSendFields, "Description")
	}
	if f.Start != nil {
		ev.Start = fromTime(*f.Start, allDay)
	}
	if f.End != nil {
		ev.End = fromTime(*f.End, allDay)
	}
	if f.Tag != nil {
		ev.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{TagProperty: *f.Tag},
		}
	}
	return ev
}
