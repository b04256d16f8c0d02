package usecase

// Page scripts used by the fallback strategies. Each is a function expression
// evaluated inside the platform page with the listed arguments and must
// return a JSON-serializable value.

// listChatsScript returns {found, error?, chats: [...]}
const listChatsScript = `() => {
  try {
    if (!window.Store || !window.Store.Chat) {
      return { found: false, error: 'Store not found' };
    }
    const chats = window.Store.Chat.getModelsArray
      ? window.Store.Chat.getModelsArray()
      : window.Store.Chat.models;
    return {
      found: true,
      chats: chats.map(c => {
        const last = c.msgs && c.msgs.last ? c.msgs.last() : null;
        return {
          id: c.id._serialized,
          name: c.name || c.formattedTitle || (c.contact && (c.contact.name || c.contact.pushname)) || '',
          unreadCount: c.unreadCount || 0,
          lastMessage: last ? { body: last.body || '', timestamp: last.t || 0 } : null
        };
      })
    };
  } catch (e) {
    return { found: false, error: e.message };
  }
}`

// fetchHistoryScript(chatId, limit) returns {found, error?, messages: [...]}
const fetchHistoryScript = `async (chatId, limit) => {
  try {
    if (!window.Store || !window.Store.Chat) {
      return { found: false, error: 'Store not found' };
    }
    const chat = window.Store.Chat.get(chatId);
    if (!chat) {
      return { found: false, error: 'Chat not found' };
    }
    let msgs = chat.msgs.getModelsArray ? chat.msgs.getModelsArray() : chat.msgs.models;
    if (msgs.length < 10 && window.Store.ConversationMsgs && window.Store.ConversationMsgs.loadEarlierMsgs) {
      try {
        await window.Store.ConversationMsgs.loadEarlierMsgs(chat);
        msgs = chat.msgs.getModelsArray ? chat.msgs.getModelsArray() : chat.msgs.models;
      } catch (e) {}
    }
    return {
      found: true,
      messages: msgs.slice(-limit).map(m => ({
        id: m.id._serialized,
        from: m.from && m.from._serialized ? m.from._serialized : String(m.from || ''),
        to: m.to && m.to._serialized ? m.to._serialized : String(m.to || ''),
        body: m.body || '',
        timestamp: m.t || 0,
        fromMe: !!m.id.fromMe,
        ack: m.ack || 0
      }))
    };
  } catch (e) {
    return { found: false, error: e.message };
  }
}`

// sendScript(chatId, body) returns true on success
const sendScript = `async (chatId, body) => {
  const chat = window.Store && window.Store.Chat ? window.Store.Chat.get(chatId) : null;
  if (!chat) {
    return false;
  }
  if (window.WWebJS && window.WWebJS.sendMessage) {
    await window.WWebJS.sendMessage(chat, body, {});
    return true;
  }
  if (window.Store.SendTextMsgToChat) {
    await window.Store.SendTextMsgToChat(chat, body);
    return true;
  }
  return false;
}`

// markSeenScript(chatId) returns true on success
const markSeenScript = `async (chatId) => {
  const chat = window.Store && window.Store.Chat ? window.Store.Chat.get(chatId) : null;
  if (!chat) {
    return false;
  }
  if (window.Store.SendSeen && window.Store.SendSeen.sendSeen) {
    await window.Store.SendSeen.sendSeen(chat, false);
    return true;
  }
  if (window.Store.Chat.markSeen) {
    await window.Store.Chat.markSeen(chatId);
    return true;
  }
  return false;
}`
