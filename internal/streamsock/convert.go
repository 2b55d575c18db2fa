package streamsock

import (
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/caldera-project/caldera/internal/frame"
)

// worldFrameToStruct packs a WorldFrame into the structpb.Struct wire
// message (field names match the JSON spellings used elsewhere in the
// control plane's handshake payload, for consistency across the two
// external protocols).
func worldFrameToStruct(f *frame.WorldFrame) (*structpb.Struct, error) {
	data := make([]interface{}, len(f.HeightMap.Data))
	for i, v := range f.HeightMap.Data {
		data[i] = float64(v)
	}
	return structpb.NewStruct(map[string]interface{}{
		"frame_id":     float64(f.FrameID),
		"timestamp_ns": float64(f.TimestampNs),
		"width":        float64(f.HeightMap.Width),
		"height":       float64(f.HeightMap.Height),
		"checksum":     float64(f.Checksum),
		"data":         data,
	})
}
