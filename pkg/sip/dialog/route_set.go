package dialog

import (
	"github.com/emiago/sipgo/sip"
)

// RouteSet управляет маршрутами диалога (Route / Record-Route / Service-Route)
type RouteSet struct {
	routes []sip.Uri
}

// NewRouteSet создает route set из готового списка URI
func NewRouteSet(routes ...sip.Uri) *RouteSet {
	rs := &RouteSet{routes: make([]sip.Uri, 0, len(routes))}
	for _, r := range routes {
		rs.routes = append(rs.routes, *r.Clone())
	}
	return rs
}

// BuildFromRecordRoute строит route set из значений Record-Route.
// RFC 3261 §12.1: UAS берет Record-Route запроса в прямом порядке,
// UAC берет Record-Route ответа в обратном.
func (rs *RouteSet) BuildFromRecordRoute(recordRoutes []string, isUAC bool) error {
	var addrs []NameAddr
	for _, value := range recordRoutes {
		parsed, err := ParseNameAddrs(value)
		if err != nil {
			return err
		}
		addrs = append(addrs, parsed...)
	}

	rs.routes = make([]sip.Uri, 0, len(addrs))
	if !isUAC {
		for _, a := range addrs {
			rs.routes = append(rs.routes, a.URI)
		}
		return nil
	}
	for i := len(addrs) - 1; i >= 0; i-- {
		rs.routes = append(rs.routes, addrs[i].URI)
	}
	return nil
}

// Routes возвращает копию маршрутов
func (rs *RouteSet) Routes() []sip.Uri {
	routes := make([]sip.Uri, 0, len(rs.routes))
	for _, r := range rs.routes {
		routes = append(routes, *r.Clone())
	}
	return routes
}

// IsEmpty проверяет, пуст ли route set
func (rs *RouteSet) IsEmpty() bool {
	return len(rs.routes) == 0
}

// Size возвращает количество маршрутов
func (rs *RouteSet) Size() int {
	return len(rs.routes)
}

// Clone создает копию route set
func (rs *RouteSet) Clone() *RouteSet {
	return NewRouteSet(rs.routes...)
}

// IsLooseRouting проверяет параметр lr у первого маршрута
func (rs *RouteSet) IsLooseRouting() bool {
	if rs.IsEmpty() {
		return false
	}
	_, ok := rs.routes[0].UriParams["lr"]
	return ok
}

// AppendTo добавляет Route заголовки к запросу.
// При strict routing первый маршрут становится Request-URI.
func (rs *RouteSet) AppendTo(req *sip.Request) {
	if rs.IsEmpty() {
		return
	}

	routes := rs.Routes()
	if !rs.IsLooseRouting() {
		// RFC 3261 12.2.1.1: remote target уходит последним Route
		routes = append(routes[1:], req.Recipient)
		req.Recipient = rs.Routes()[0]
	}
	for _, r := range routes {
		req.AppendHeader(sip.NewHeader("Route", "<"+r.String()+">"))
	}
}
