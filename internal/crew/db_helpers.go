package crew

import "encoding/json"

func jsonUnmarshalFields(data []byte, out *[]FieldSpec) error {
	return json.Unmarshal(data, out)
}

func jsonUnmarshalStrings(data []byte, out *[]string) error {
	return json.Unmarshal(data, out)
}
