package netfs

// Reader fills a buffer from a Socket over as many calls to Process as it
// takes. The buffer may be heap memory or a file mapping.
type Reader struct {
	buffer []byte
	offset int
}

func (r *Reader) Start(buffer []byte) {
	r.buffer = buffer
	r.offset = 0
}

// Process performs one read into the unfilled part of the buffer and
// returns the Socket's result unchanged.
func (r *Reader) Process(s *Socket) (int, error) {
	if r.Complete() {
		return 0, nil
	}
	n, err := s.Read(r.buffer[r.offset:])
	r.offset += n
	return n, err
}

func (r *Reader) Complete() bool {
	return r.offset == len(r.buffer)
}

func (r *Reader) Remaining() int {
	return len(r.buffer) - r.offset
}

// Writer drains a buffer into a Socket over as many calls to Process as it
// takes.
type Writer struct {
	buffer []byte
	offset int
}

func (w *Writer) Start(buffer []byte) {
	w.buffer = buffer
	w.offset = 0
}

func (w *Writer) Process(s *Socket) (int, error) {
	if w.Complete() {
		return 0, nil
	}
	n, err := s.Write(w.buffer[w.offset:])
	w.offset += n
	return n, err
}

func (w *Writer) Complete() bool {
	return w.offset == len(w.buffer)
}

func (w *Writer) Remaining() int {
	return len(w.buffer) - w.offset
}
