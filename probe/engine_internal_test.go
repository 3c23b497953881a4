package probe

import "testing"

type fakeValue struct {
	destroyed *int
}

func (v fakeValue) Destroy() { *v.destroyed++ }

func TestDestroyValuesReleasesEveryOutput(t *testing.T) {
	var n int
	values := map[string]fakeValue{
		"logits": {&n},
		"extra":  {&n},
		"aux":    {&n},
	}
	destroyValues(values)
	if n != len(values) {
		t.Fatalf("destroyed %d of %d outputs", n, len(values))
	}
	destroyValues[fakeValue](nil)
}
