package engine

// Channel names one of the plugin's cross-goroutine channels.
type Channel int

const (
	ChannelControlToUI Channel = iota
	ChannelControlFromUI
	ChannelEventsToUI
	ChannelEventsFromUI
	ChannelExternalEvents
	ChannelInputSequence
	numChannels
)

var channelNames = [numChannels]string{
	ChannelControlToUI:    "control_to_ui",
	ChannelControlFromUI:  "control_from_ui",
	ChannelEventsToUI:     "events_to_ui",
	ChannelEventsFromUI:   "events_from_ui",
	ChannelExternalEvents: "external_events",
	ChannelInputSequence:  "input_sequence",
}

func (c Channel) String() string {
	if c < 0 || c >= numChannels {
		return "unknown"
	}
	return channelNames[c]
}

// Channels lists every channel, for metric registration.
func Channels() []Channel {
	out := make([]Channel, numChannels)
	for i := range out {
		out[i] = Channel(i)
	}
	return out
}

// Metrics observes the cycle orchestrator. OnRenderCycle and OnDropped are
// called from the render goroutine and must not block or allocate.
type Metrics interface {
	OnRenderCycle(nframes int)
	OnIdleCycle()
	OnDropped(ch Channel)
}

// NopMetrics ignores every event.
type NopMetrics struct{}

func (NopMetrics) OnRenderCycle(int) {}
func (NopMetrics) OnIdleCycle()      {}
func (NopMetrics) OnDropped(Channel) {}
