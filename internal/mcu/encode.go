package mcu

import "encoding/json"

func encodePublisherInfo(info PublisherInfo) string {
	data, _ := json.Marshal(info)
	return string(data)
}

func decodePublisherInfo(raw string, out *PublisherInfo) error {
	return json.Unmarshal([]byte(raw), out)
}
