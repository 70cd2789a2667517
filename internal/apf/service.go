package apf

// ServiceRequest (type 5): name:lenstr. The ME requests a named service;
// this daemon only ever accepts "pfwd@amt.intel.com".
type ServiceRequest struct {
	Name string
}

func (m *ServiceRequest) Encode() []byte {
	buf := make([]byte, 0, 5+len(m.Name))
	buf = append(buf, byte(TypeServiceRequest))
	buf = putLenStr(buf, m.Name)
	return buf
}

func DecodeServiceRequest(buf []byte) (*ServiceRequest, error) {
	if err := checkType(buf, TypeServiceRequest); err != nil {
		return nil, err
	}
	name, end, err := getLenStr(TypeServiceRequest, buf, 1)
	if err != nil {
		return nil, err
	}
	if end != len(buf) {
		return nil, newParseError(TypeServiceRequest, "%d trailing bytes", len(buf)-end)
	}
	return &ServiceRequest{Name: name}, nil
}

// ServiceAccept (type 6): name:lenstr. Emitted in reply to a matching
// ServiceRequest, echoing the same service name.
type ServiceAccept struct {
	Name string
}

func (m *ServiceAccept) Encode() []byte {
	buf := make([]byte, 0, 5+len(m.Name))
	buf = append(buf, byte(TypeServiceAccept))
	buf = putLenStr(buf, m.Name)
	return buf
}

func DecodeServiceAccept(buf []byte) (*ServiceAccept, error) {
	if err := checkType(buf, TypeServiceAccept); err != nil {
		return nil, err
	}
	name, end, err := getLenStr(TypeServiceAccept, buf, 1)
	if err != nil {
		return nil, err
	}
	if end != len(buf) {
		return nil, newParseError(TypeServiceAccept, "%d trailing bytes", len(buf)-end)
	}
	return &ServiceAccept{Name: name}, nil
}
