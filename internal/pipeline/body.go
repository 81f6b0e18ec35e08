package pipeline

import "github.com/tidwall/gjson"

// parsedBody is the lazily-extracted subset of the request body the router
// and adapters need: the raw bytes are always kept, and only
// {model, stream, max_tokens} are pulled out with a cheap dot-path read
// rather than a full unmarshal into a typed struct.
type parsedBody struct {
	Model     string
	Stream    bool
	MaxTokens *int
}

func parseBody(raw []byte, subpath string) parsedBody {
	var pb parsedBody
	if len(raw) > 0 && gjson.ValidBytes(raw) {
		pb.Model = gjson.GetBytes(raw, "model").String()
		pb.Stream = gjson.GetBytes(raw, "stream").Bool()
		if mt := gjson.GetBytes(raw, "max_tokens"); mt.Exists() {
			v := int(mt.Int())
			pb.MaxTokens = &v
		}
	}
	if pb.Model == "" {
		pb.Model = modelFromURL(subpath)
	}
	return pb
}
