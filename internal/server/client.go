package server

// Endpoints served next to the site
const (
	PathPrefix  = "/__sitegeist/"
	PathSocket  = PathPrefix + "ws"
	PathClient  = PathPrefix + "client.js"
	PathStatus  = PathPrefix + "status"
	PathMetrics = PathPrefix + "metrics"
)

// ClientSnippet is injected before </body> of every served page
const ClientSnippet = `<script src="` + PathClient + `"></script>`

// clientScript connects to the reload socket. css_update swaps matching
// stylesheet links, or the inline copy when no link matches.
const clientScript = `(() => {
  if (window.__SITEGEIST__) return;
  window.__SITEGEIST__ = true;

  function swapCSS(msg) {
    const links = document.querySelectorAll('link[rel="stylesheet"]');
    let swapped = false;
    links.forEach((link) => {
      const url = new URL(link.href, location.href);
      if (url.pathname === msg.target) {
        url.searchParams.set('v', Date.now());
        link.href = url.toString();
        swapped = true;
      }
    });
    if (swapped) return;
    let style = document.querySelector('style[data-sitegeist="' + msg.target + '"]');
    if (!style) {
      style = document.createElement('style');
      style.setAttribute('data-sitegeist', msg.target);
      document.head.appendChild(style);
    }
    style.textContent = msg.content || '';
  }

  function connect() {
    const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
    const ws = new WebSocket(proto + '//' + location.host + '` + PathSocket + `');
    ws.onmessage = (e) => {
      let msg;
      try { msg = JSON.parse(e.data); } catch (_) { return; }
      switch (msg.type) {
        case 'css_update':
          swapCSS(msg);
          break;
        case 'full_reload':
          location.reload();
          break;
        case 'build_error':
          console.error('[sitegeist] ' + msg.target + ': ' + msg.content);
          break;
      }
    };
    ws.onclose = () => setTimeout(connect, 1000);
  }
  connect();
})();
`
