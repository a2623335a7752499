package mutex

import "testing"

func TestFromSpecifier(t *testing.T) {
	cases := []struct {
		spec    string
		want    interface{}
		wantErr bool
	}{
		{spec: "file", want: &FileMutex{}},
		{spec: "file:/tmp/some.lock", want: &FileMutex{}},
		{spec: "network", want: &NetworkMutex{}},
		{spec: "network:40000", want: &NetworkMutex{}},
		{spec: "", want: &FileMutex{}},
		{spec: "network:notaport", wantErr: true},
		{spec: "network:0", wantErr: true},
		{spec: "semaphore:3", wantErr: true},
	}

	for _, c := range cases {
		m, err := FromSpecifier(c.spec)
		if c.wantErr {
			if err == nil {
				t.Errorf("FromSpecifier(%q) succeeded, want error", c.spec)
			}
			continue
		}
		if err != nil {
			t.Errorf("FromSpecifier(%q): %v", c.spec, err)
			continue
		}
		switch c.want.(type) {
		case *FileMutex:
			if _, ok := m.(*FileMutex); !ok {
				t.Errorf("FromSpecifier(%q) = %T, want *FileMutex", c.spec, m)
			}
		case *NetworkMutex:
			if _, ok := m.(*NetworkMutex); !ok {
				t.Errorf("FromSpecifier(%q) = %T, want *NetworkMutex", c.spec, m)
			}
		}
	}
}

func TestFromSpecifierNetworkDefaultPort(t *testing.T) {
	m, err := FromSpecifier("network")
	if err != nil {
		t.Fatal(err)
	}
	nm := m.(*NetworkMutex)
	if nm.port != DefaultPort {
		t.Errorf("port = %d, want default %d", nm.port, DefaultPort)
	}
}
