package plugins

// Feature identifiers a plugin may require.
const (
	FeatureURIDMap        = "urn:plughost:urid#map"
	FeatureURIDUnmap      = "urn:plughost:urid#unmap"
	FeatureWorkerSchedule = "urn:plughost:worker#schedule"
	FeatureOptions        = "urn:plughost:options#options"
	FeatureResizePort     = "urn:plughost:resize-port#resize"
)

// Extension identifiers a plugin may advertise in Descriptor.Extensions.
const (
	ExtensionWorker = "urn:plughost:worker#interface"
	ExtensionState  = "urn:plughost:state#interface"
)

// Well-known URIs mapped through the URID map.
const (
	URIMIDIEvent     = "urn:plughost:midi#event"
	URIChunk         = "urn:plughost:atom#chunk"
	URIFloat         = "urn:plughost:atom#float"
	URIEventTransfer = "urn:plughost:atom#eventTransfer"
	URISampleRate    = "urn:plughost:param#sampleRate"
	URISequenceSize  = "urn:plughost:buf-size#sequenceSize"
)

var supportedFeatures = map[string]bool{
	FeatureURIDMap:        true,
	FeatureURIDUnmap:      true,
	FeatureWorkerSchedule: true,
	FeatureOptions:        true,
	FeatureResizePort:     true,
}

// IsSupportedFeature reports whether the host can provide feature uri.
func IsSupportedFeature(uri string) bool { return supportedFeatures[uri] }

// URIDMapper maps URIs to small integer ids and back. Ids start at 1; 0 is
// never a valid id.
type URIDMapper interface {
	Map(uri string) uint32
	Unmap(id uint32) string
}

// WorkScheduler queues deferred work. It is called from Run and never blocks.
type WorkScheduler interface {
	ScheduleWork(payload []byte) error
}

// PortResizer replaces the buffer behind an event port with a larger one.
// It must not be called from Run; the new buffer is connected at the start
// of the next render cycle.
type PortResizer interface {
	ResizePort(port uint32, size int) error
}

// Options are the host parameters a plugin may read at instantiation.
type Options struct {
	SampleRate   float64
	SequenceSize int
	MaxBlock     int
}

// Features is the set of host capabilities passed to Entry.Instantiate.
type Features struct {
	URIDs     URIDMapper
	Scheduler WorkScheduler
	Resizer   PortResizer
	Options   Options
}
